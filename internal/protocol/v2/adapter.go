package v2

import (
	"encoding/json"
	"fmt"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
)

// ToBeacon converts m into the internal model using codec for the
// blockchain-specific fields.
func ToBeacon(m Message, codec blockchain.Codec, origin beacon.ConnectionID) (beacon.Message, error) {
	h := beacon.Header{
		ID:         m.Head().ID,
		Version:    m.Head().Version,
		SenderID:   m.Head().SenderID,
		Blockchain: codec.Identifier(),
		Origin:     origin,
	}

	switch m := m.(type) {
	case *PermissionRequest:
		p, err := codec.DecodeRequest(Version, m.Type, m.Fields.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.PermissionRequest{Header: h, AppMetadata: beacon.AppMetadata(m.AppMetadata), Payload: p}, nil
	case *BlockchainRequest:
		p, err := codec.DecodeRequest(Version, m.Type, m.Fields.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.BlockchainRequest{Header: h, Payload: p}, nil
	case *PermissionResponse:
		p, err := codec.DecodeResponse(Version, m.Type, m.Fields.Raw())
		if err != nil {
			return nil, err
		}
		resp := &beacon.PermissionResponse{Header: h, Payload: p}
		if m.AppMetadata != nil {
			am := beacon.AppMetadata(*m.AppMetadata)
			resp.AppMetadata = &am
		}
		return resp, nil
	case *BlockchainResponse:
		p, err := codec.DecodeResponse(Version, m.Type, m.Fields.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.BlockchainResponse{Header: h, Payload: p}, nil
	case *Acknowledge:
		return &beacon.AcknowledgeResponse{Header: h}, nil
	case *ErrorResponse:
		resp := &beacon.ErrorResponse{Header: h, ErrorType: m.ErrorType}
		if len(m.ErrorData) > 0 {
			var s string
			if json.Unmarshal(m.ErrorData, &s) == nil {
				resp.Description = s
			} else {
				resp.Description = string(m.ErrorData)
			}
		}
		return resp, nil
	case *Disconnect:
		return &beacon.Disconnect{Header: h}, nil
	}
	return nil, fmt.Errorf("v2: unhandled message %T", m)
}

// FromBeacon converts an internal message into its version 2 shape.
func FromBeacon(msg beacon.Message, codec blockchain.Codec) (Message, error) {
	bh := msg.Head()
	h := Header{ID: bh.ID, Version: Version, SenderID: bh.SenderID}

	switch msg := msg.(type) {
	case *beacon.PermissionRequest:
		typ, fields, err := codec.Encode(Version, msg.Payload)
		if err != nil {
			return nil, err
		}
		h.Type = typ
		return &PermissionRequest{Header: h, AppMetadata: AppMetadata(msg.AppMetadata), Fields: fields}, nil
	case *beacon.BlockchainRequest:
		typ, fields, err := codec.Encode(Version, msg.Payload)
		if err != nil {
			return nil, err
		}
		if !blockchain.Contains(codec.RequestTypes(Version), typ) {
			return nil, &beacon.UnsupportedMessageError{Message: typ, Version: Version}
		}
		h.Type = typ
		return &BlockchainRequest{Header: h, Fields: fields}, nil
	case *beacon.PermissionResponse:
		typ, fields, err := codec.Encode(Version, msg.Payload)
		if err != nil {
			return nil, err
		}
		h.Type = typ
		resp := &PermissionResponse{Header: h, Fields: fields}
		if msg.AppMetadata != nil {
			am := AppMetadata(*msg.AppMetadata)
			resp.AppMetadata = &am
		}
		return resp, nil
	case *beacon.BlockchainResponse:
		typ, fields, err := codec.Encode(Version, msg.Payload)
		if err != nil {
			return nil, err
		}
		if !blockchain.Contains(codec.ResponseTypes(Version), typ) {
			return nil, &beacon.UnsupportedMessageError{Message: typ, Version: Version}
		}
		h.Type = typ
		return &BlockchainResponse{Header: h, Fields: fields}, nil
	case *beacon.AcknowledgeResponse:
		h.Type = TypeAcknowledge
		return &Acknowledge{Header: h}, nil
	case *beacon.ErrorResponse:
		h.Type = TypeError
		resp := &ErrorResponse{Header: h, ErrorType: msg.ErrorType}
		if msg.Description != "" {
			resp.ErrorData, _ = json.Marshal(msg.Description)
		}
		return resp, nil
	case *beacon.Disconnect:
		h.Type = TypeDisconnect
		return &Disconnect{Header: h}, nil
	}
	return nil, fmt.Errorf("v2: unhandled message %T", msg)
}
