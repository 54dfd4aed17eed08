// Package v1 is the first Beacon wire schema. It predates blockchain
// identifiers and flattens the blockchain operations into fixed top-level
// types: operation, sign-payload and broadcast each have their own request
// and response shapes. There is no acknowledge message.
package v1

import (
	"encoding/json"
	"fmt"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
)

const Version = "1"

const (
	TypePermissionRequest   = "permission_request"
	TypeOperationRequest    = "operation_request"
	TypeSignPayloadRequest  = "sign_payload_request"
	TypeBroadcastRequest    = "broadcast_request"
	TypePermissionResponse  = "permission_response"
	TypeOperationResponse   = "operation_response"
	TypeSignPayloadResponse = "sign_payload_response"
	TypeBroadcastResponse   = "broadcast_response"
	TypeError               = "error"
	TypeDisconnect          = "disconnect"
)

// Header is common to every version 1 document. BeaconID is the sender.
type Header struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	ID       string `json:"id"`
	BeaconID string `json:"beaconId"`
}

var headerKeys = []string{"type", "version", "id", "beaconId"}

// AppMetadata is the version 1 dApp description.
type AppMetadata struct {
	BeaconID string `json:"beaconId"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
}

// Message is one of the version 1 variants.
type Message interface {
	Head() *Header
	v1()
}

type PermissionRequest struct {
	Header
	AppMetadata AppMetadata
	Fields      blockchain.Fields
}

type OperationRequest struct {
	Header
	Fields blockchain.Fields
}

type SignPayloadRequest struct {
	Header
	Fields blockchain.Fields
}

type BroadcastRequest struct {
	Header
	Fields blockchain.Fields
}

type PermissionResponse struct {
	Header
	Fields blockchain.Fields
}

type OperationResponse struct {
	Header
	Fields blockchain.Fields
}

type SignPayloadResponse struct {
	Header
	Fields blockchain.Fields
}

type BroadcastResponse struct {
	Header
	Fields blockchain.Fields
}

type ErrorResponse struct {
	Header
	ErrorType string
}

type Disconnect struct {
	Header
}

func (h *Header) Head() *Header { return h }

func (*PermissionRequest) v1()   {}
func (*OperationRequest) v1()    {}
func (*SignPayloadRequest) v1()  {}
func (*BroadcastRequest) v1()    {}
func (*PermissionResponse) v1()  {}
func (*OperationResponse) v1()   {}
func (*SignPayloadResponse) v1() {}
func (*BroadcastResponse) v1()   {}
func (*ErrorResponse) v1()       {}
func (*Disconnect) v1()          {}

// Decode peeks the discriminator of a version 1 document and decodes the
// matching variant.
func Decode(raw []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode v1 header: %w", err)
	}
	fields, err := blockchain.ParseFields(raw, headerKeys...)
	if err != nil {
		return nil, fmt.Errorf("decode v1 %s: %w", h.Type, err)
	}

	switch h.Type {
	case TypePermissionRequest:
		m := &PermissionRequest{Header: h, Fields: fields}
		if am, ok := fields["appMetadata"]; ok {
			if err := json.Unmarshal(am, &m.AppMetadata); err != nil {
				return nil, fmt.Errorf("decode v1 appMetadata: %w", err)
			}
			delete(fields, "appMetadata")
		}
		return m, nil
	case TypeOperationRequest:
		return &OperationRequest{Header: h, Fields: fields}, nil
	case TypeSignPayloadRequest:
		return &SignPayloadRequest{Header: h, Fields: fields}, nil
	case TypeBroadcastRequest:
		return &BroadcastRequest{Header: h, Fields: fields}, nil
	case TypePermissionResponse:
		return &PermissionResponse{Header: h, Fields: fields}, nil
	case TypeOperationResponse:
		return &OperationResponse{Header: h, Fields: fields}, nil
	case TypeSignPayloadResponse:
		return &SignPayloadResponse{Header: h, Fields: fields}, nil
	case TypeBroadcastResponse:
		return &BroadcastResponse{Header: h, Fields: fields}, nil
	case TypeError:
		m := &ErrorResponse{Header: h}
		var e struct {
			ErrorType string `json:"errorType"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode v1 error: %w", err)
		}
		m.ErrorType = e.ErrorType
		return m, nil
	case TypeDisconnect:
		return &Disconnect{Header: h}, nil
	}
	return nil, &beacon.UnknownMessageTypeError{Type: h.Type, Version: Version}
}

// Encode renders m as a version 1 document.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	out := blockchain.Fields{}
	switch m := m.(type) {
	case *PermissionRequest:
		out.Merge(m.Fields)
		if err := out.Set("appMetadata", m.AppMetadata); err != nil {
			return nil, err
		}
	case *OperationRequest:
		out.Merge(m.Fields)
	case *SignPayloadRequest:
		out.Merge(m.Fields)
	case *BroadcastRequest:
		out.Merge(m.Fields)
	case *PermissionResponse:
		out.Merge(m.Fields)
	case *OperationResponse:
		out.Merge(m.Fields)
	case *SignPayloadResponse:
		out.Merge(m.Fields)
	case *BroadcastResponse:
		out.Merge(m.Fields)
	case *ErrorResponse:
		if err := out.Set("errorType", m.ErrorType); err != nil {
			return nil, err
		}
	case *Disconnect:
	}
	if err := setHeader(out, h); err != nil {
		return nil, err
	}
	return out.Raw(), nil
}

func setHeader(out blockchain.Fields, h *Header) error {
	for k, v := range map[string]string{"type": h.Type, "version": h.Version, "id": h.ID, "beaconId": h.BeaconID} {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[k] = b
	}
	return nil
}
