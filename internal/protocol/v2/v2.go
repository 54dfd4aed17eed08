// Package v2 is the second Beacon wire schema. Permission, acknowledge,
// error and disconnect messages are generic; every other discriminator
// belongs to the blockchain codec and is validated against it.
package v2

import (
	"encoding/json"
	"fmt"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
)

const Version = "2"

const (
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	TypeAcknowledge        = "acknowledge"
	TypeError              = "error"
	TypeDisconnect         = "disconnect"
)

type Header struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
}

var headerKeys = []string{"type", "version", "id", "senderId"}

type AppMetadata struct {
	SenderID string `json:"senderId"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
}

// Message is one of the version 2 variants.
type Message interface {
	Head() *Header
	v2()
}

type PermissionRequest struct {
	Header
	AppMetadata AppMetadata
	Fields      blockchain.Fields
}

// BlockchainRequest carries any request type the codec declares.
type BlockchainRequest struct {
	Header
	Fields blockchain.Fields
}

type PermissionResponse struct {
	Header
	AppMetadata *AppMetadata
	Fields      blockchain.Fields
}

type BlockchainResponse struct {
	Header
	Fields blockchain.Fields
}

type Acknowledge struct {
	Header
}

type ErrorResponse struct {
	Header
	ErrorType string
	ErrorData json.RawMessage
}

type Disconnect struct {
	Header
}

func (h *Header) Head() *Header { return h }

func (*PermissionRequest) v2()  {}
func (*BlockchainRequest) v2()  {}
func (*PermissionResponse) v2() {}
func (*BlockchainResponse) v2() {}
func (*Acknowledge) v2()        {}
func (*ErrorResponse) v2()      {}
func (*Disconnect) v2()         {}

// Decode decodes a version 2 document. Blockchain discriminators must be
// listed by codec.
func Decode(raw []byte, codec blockchain.Codec) (Message, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode v2 header: %w", err)
	}
	fields, err := blockchain.ParseFields(raw, headerKeys...)
	if err != nil {
		return nil, fmt.Errorf("decode v2 %s: %w", h.Type, err)
	}

	switch h.Type {
	case TypePermissionRequest:
		m := &PermissionRequest{Header: h, Fields: fields}
		if am, ok := fields["appMetadata"]; ok {
			if err := json.Unmarshal(am, &m.AppMetadata); err != nil {
				return nil, fmt.Errorf("decode v2 appMetadata: %w", err)
			}
			delete(fields, "appMetadata")
		}
		return m, nil
	case TypePermissionResponse:
		m := &PermissionResponse{Header: h, Fields: fields}
		if am, ok := fields["appMetadata"]; ok {
			m.AppMetadata = &AppMetadata{}
			if err := json.Unmarshal(am, m.AppMetadata); err != nil {
				return nil, fmt.Errorf("decode v2 appMetadata: %w", err)
			}
			delete(fields, "appMetadata")
		}
		return m, nil
	case TypeAcknowledge:
		return &Acknowledge{Header: h}, nil
	case TypeError:
		var e struct {
			ErrorType string          `json:"errorType"`
			ErrorData json.RawMessage `json:"errorData"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode v2 error: %w", err)
		}
		return &ErrorResponse{Header: h, ErrorType: e.ErrorType, ErrorData: e.ErrorData}, nil
	case TypeDisconnect:
		return &Disconnect{Header: h}, nil
	}

	if codec != nil {
		if blockchain.Contains(codec.RequestTypes(Version), h.Type) {
			return &BlockchainRequest{Header: h, Fields: fields}, nil
		}
		if blockchain.Contains(codec.ResponseTypes(Version), h.Type) {
			return &BlockchainResponse{Header: h, Fields: fields}, nil
		}
	}
	return nil, &beacon.UnknownMessageTypeError{Type: h.Type, Version: Version}
}

// Encode renders m as a version 2 document.
func Encode(m Message) ([]byte, error) {
	out := blockchain.Fields{}
	switch m := m.(type) {
	case *PermissionRequest:
		out.Merge(m.Fields)
		if err := out.Set("appMetadata", m.AppMetadata); err != nil {
			return nil, err
		}
	case *BlockchainRequest:
		out.Merge(m.Fields)
	case *PermissionResponse:
		out.Merge(m.Fields)
		if m.AppMetadata != nil {
			if err := out.Set("appMetadata", m.AppMetadata); err != nil {
				return nil, err
			}
		}
	case *BlockchainResponse:
		out.Merge(m.Fields)
	case *ErrorResponse:
		if err := out.Set("errorType", m.ErrorType); err != nil {
			return nil, err
		}
		if len(m.ErrorData) > 0 {
			out["errorData"] = m.ErrorData
		}
	case *Acknowledge, *Disconnect:
	}
	h := m.Head()
	for k, v := range map[string]string{"type": h.Type, "version": h.Version, "id": h.ID, "senderId": h.SenderID} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return out.Raw(), nil
}
