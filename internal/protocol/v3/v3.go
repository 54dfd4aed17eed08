// Package v3 is the third Beacon wire schema. A fixed envelope carries the
// sender and a content object; permission and blockchain content names its
// blockchain so one envelope can serve any registered chain.
//
//	{"id":..., "version":"3", "senderId":..., "message":{"type":...,
//	 "blockchainIdentifier":..., "blockchainData":{...}}}
package v3

import (
	"encoding/json"
	"fmt"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
)

const Version = "3"

const (
	TypePermissionRequest  = "permission_request"
	TypeBlockchainRequest  = "blockchain_request"
	TypePermissionResponse = "permission_response"
	TypeBlockchainResponse = "blockchain_response"
	TypeAcknowledge        = "acknowledge"
	TypeError              = "error"
	TypeDisconnect         = "disconnect"
)

// Header is the envelope outside the content object. Type is copied from
// the content for uniform access.
type Header struct {
	ID       string
	Version  string
	SenderID string
	Type     string
}

type AppMetadata struct {
	SenderID string `json:"senderId"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
}

// Message is one of the version 3 variants.
type Message interface {
	Head() *Header
	v3()
}

type PermissionRequest struct {
	Header
	Blockchain  string
	AppMetadata AppMetadata
	Data        blockchain.Fields
}

type BlockchainRequest struct {
	Header
	Blockchain string
	AccountID  string
	Data       blockchain.Fields
}

type PermissionResponse struct {
	Header
	Blockchain  string
	AppMetadata *AppMetadata
	Data        blockchain.Fields
}

type BlockchainResponse struct {
	Header
	Blockchain string
	Data       blockchain.Fields
}

type Acknowledge struct {
	Header
}

type ErrorResponse struct {
	Header
	ErrorType   string
	Description string
}

type Disconnect struct {
	Header
}

func (h *Header) Head() *Header { return h }

func (*PermissionRequest) v3()  {}
func (*BlockchainRequest) v3()  {}
func (*PermissionResponse) v3() {}
func (*BlockchainResponse) v3() {}
func (*Acknowledge) v3()        {}
func (*ErrorResponse) v3()      {}
func (*Disconnect) v3()         {}

type envelope struct {
	ID       string  `json:"id"`
	Version  string  `json:"version"`
	SenderID string  `json:"senderId"`
	Message  content `json:"message"`
}

type content struct {
	Type           string          `json:"type"`
	Blockchain     string          `json:"blockchainIdentifier,omitempty"`
	BlockchainData json.RawMessage `json:"blockchainData,omitempty"`
	AccountID      string          `json:"accountId,omitempty"`
	ErrorType      string          `json:"errorType,omitempty"`
	Description    string          `json:"description,omitempty"`
}

// Decode decodes a version 3 document. Permission and blockchain content
// must name a blockchain held by reg.
func Decode(raw []byte, reg *blockchain.Registry) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode v3 envelope: %w", err)
	}
	h := Header{ID: env.ID, Version: env.Version, SenderID: env.SenderID, Type: env.Message.Type}
	c := env.Message

	switch c.Type {
	case TypeAcknowledge:
		return &Acknowledge{Header: h}, nil
	case TypeError:
		return &ErrorResponse{Header: h, ErrorType: c.ErrorType, Description: c.Description}, nil
	case TypeDisconnect:
		return &Disconnect{Header: h}, nil
	case TypePermissionRequest, TypeBlockchainRequest, TypePermissionResponse, TypeBlockchainResponse:
	default:
		return nil, &beacon.UnknownMessageTypeError{Type: c.Type, Version: Version}
	}

	if reg == nil {
		return nil, &beacon.UnexpectedBlockchainIdentifierError{Got: c.Blockchain}
	}
	if _, err := reg.Get(c.Blockchain); err != nil {
		return nil, &beacon.UnexpectedBlockchainIdentifierError{Got: c.Blockchain}
	}
	data, err := blockchain.ParseFields(c.BlockchainData)
	if err != nil {
		return nil, fmt.Errorf("decode v3 %s blockchainData: %w", c.Type, err)
	}
	am, err := takeAppMetadata(data)
	if err != nil {
		return nil, err
	}

	switch c.Type {
	case TypePermissionRequest:
		m := &PermissionRequest{Header: h, Blockchain: c.Blockchain, Data: data}
		if am != nil {
			m.AppMetadata = *am
		}
		return m, nil
	case TypeBlockchainRequest:
		return &BlockchainRequest{Header: h, Blockchain: c.Blockchain, AccountID: c.AccountID, Data: data}, nil
	case TypePermissionResponse:
		return &PermissionResponse{Header: h, Blockchain: c.Blockchain, AppMetadata: am, Data: data}, nil
	default:
		return &BlockchainResponse{Header: h, Blockchain: c.Blockchain, Data: data}, nil
	}
}

func takeAppMetadata(data blockchain.Fields) (*AppMetadata, error) {
	raw, ok := data["appMetadata"]
	if !ok {
		return nil, nil
	}
	delete(data, "appMetadata")
	var am AppMetadata
	if err := json.Unmarshal(raw, &am); err != nil {
		return nil, fmt.Errorf("decode v3 appMetadata: %w", err)
	}
	return &am, nil
}

// Encode renders m as a version 3 document.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	env := envelope{ID: h.ID, Version: h.Version, SenderID: h.SenderID}
	c := content{Type: h.Type}

	switch m := m.(type) {
	case *PermissionRequest:
		data := blockchain.Fields{}
		data.Merge(m.Data)
		if err := data.Set("appMetadata", m.AppMetadata); err != nil {
			return nil, err
		}
		c.Blockchain, c.BlockchainData = m.Blockchain, data.Raw()
	case *BlockchainRequest:
		c.Blockchain, c.BlockchainData, c.AccountID = m.Blockchain, m.Data.Raw(), m.AccountID
	case *PermissionResponse:
		data := blockchain.Fields{}
		data.Merge(m.Data)
		if m.AppMetadata != nil {
			if err := data.Set("appMetadata", m.AppMetadata); err != nil {
				return nil, err
			}
		}
		c.Blockchain, c.BlockchainData = m.Blockchain, data.Raw()
	case *BlockchainResponse:
		c.Blockchain, c.BlockchainData = m.Blockchain, m.Data.Raw()
	case *ErrorResponse:
		c.ErrorType, c.Description = m.ErrorType, m.Description
	case *Acknowledge, *Disconnect:
	}
	env.Message = c
	return json.Marshal(env)
}
