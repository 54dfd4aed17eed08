package v3

import (
	"fmt"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
)

// ToBeacon converts m into the internal model, resolving the codec named by
// permission and blockchain content.
func ToBeacon(m Message, reg *blockchain.Registry, origin beacon.ConnectionID) (beacon.Message, error) {
	mh := m.Head()
	h := beacon.Header{ID: mh.ID, Version: mh.Version, SenderID: mh.SenderID, Origin: origin}

	codecFor := func(id string) (blockchain.Codec, error) {
		c, err := reg.Get(id)
		if err != nil {
			return nil, &beacon.UnexpectedBlockchainIdentifierError{Got: id}
		}
		h.Blockchain = id
		return c, nil
	}

	switch m := m.(type) {
	case *PermissionRequest:
		codec, err := codecFor(m.Blockchain)
		if err != nil {
			return nil, err
		}
		p, err := codec.DecodeRequest(Version, TypePermissionRequest, m.Data.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.PermissionRequest{Header: h, AppMetadata: beacon.AppMetadata(m.AppMetadata), Payload: p}, nil
	case *BlockchainRequest:
		codec, err := codecFor(m.Blockchain)
		if err != nil {
			return nil, err
		}
		p, err := codec.DecodeRequest(Version, TypeBlockchainRequest, m.Data.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.BlockchainRequest{Header: h, AccountID: m.AccountID, Payload: p}, nil
	case *PermissionResponse:
		codec, err := codecFor(m.Blockchain)
		if err != nil {
			return nil, err
		}
		p, err := codec.DecodeResponse(Version, TypePermissionResponse, m.Data.Raw())
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
		codec, err := codecFor(m.Blockchain)
		if err != nil {
			return nil, err
		}
		p, err := codec.DecodeResponse(Version, TypeBlockchainResponse, m.Data.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.BlockchainResponse{Header: h, Payload: p}, nil
	case *Acknowledge:
		return &beacon.AcknowledgeResponse{Header: h}, nil
	case *ErrorResponse:
		return &beacon.ErrorResponse{Header: h, ErrorType: m.ErrorType, Description: m.Description}, nil
	case *Disconnect:
		return &beacon.Disconnect{Header: h}, nil
	}
	return nil, fmt.Errorf("v3: unhandled message %T", m)
}

// FromBeacon converts an internal message into its version 3 shape. The
// payload's blockchain picks the codec.
func FromBeacon(msg beacon.Message, reg *blockchain.Registry) (Message, error) {
	bh := msg.Head()
	h := Header{ID: bh.ID, Version: Version, SenderID: bh.SenderID}

	encode := func(want string, p beacon.Payload) (string, blockchain.Fields, error) {
		if p == nil {
			return "", nil, fmt.Errorf("v3: %T has no payload", msg)
		}
		codec, err := reg.Get(p.Blockchain())
		if err != nil {
			return "", nil, &beacon.UnexpectedBlockchainIdentifierError{Expected: bh.Blockchain, Got: p.Blockchain()}
		}
		typ, data, err := codec.Encode(Version, p)
		if err != nil {
			return "", nil, err
		}
		if typ != want {
			return "", nil, &beacon.UnsupportedMessageError{Message: fmt.Sprintf("%T as %s", p, want), Version: Version}
		}
		return typ, data, nil
	}

	switch msg := msg.(type) {
	case *beacon.PermissionRequest:
		typ, data, err := encode(TypePermissionRequest, msg.Payload)
		if err != nil {
			return nil, err
		}
		h.Type = typ
		return &PermissionRequest{Header: h, Blockchain: msg.Payload.Blockchain(), AppMetadata: AppMetadata(msg.AppMetadata), Data: data}, nil
	case *beacon.BlockchainRequest:
		typ, data, err := encode(TypeBlockchainRequest, msg.Payload)
		if err != nil {
			return nil, err
		}
		h.Type = typ
		return &BlockchainRequest{Header: h, Blockchain: msg.Payload.Blockchain(), AccountID: msg.AccountID, Data: data}, nil
	case *beacon.PermissionResponse:
		typ, data, err := encode(TypePermissionResponse, msg.Payload)
		if err != nil {
			return nil, err
		}
		h.Type = typ
		resp := &PermissionResponse{Header: h, Blockchain: msg.Payload.Blockchain(), Data: data}
		if msg.AppMetadata != nil {
			am := AppMetadata(*msg.AppMetadata)
			resp.AppMetadata = &am
		}
		return resp, nil
	case *beacon.BlockchainResponse:
		typ, data, err := encode(TypeBlockchainResponse, msg.Payload)
		if err != nil {
			return nil, err
		}
		h.Type = typ
		return &BlockchainResponse{Header: h, Blockchain: msg.Payload.Blockchain(), Data: data}, nil
	case *beacon.AcknowledgeResponse:
		h.Type = TypeAcknowledge
		return &Acknowledge{Header: h}, nil
	case *beacon.ErrorResponse:
		h.Type = TypeError
		return &ErrorResponse{Header: h, ErrorType: msg.ErrorType, Description: msg.Description}, nil
	case *beacon.Disconnect:
		h.Type = TypeDisconnect
		return &Disconnect{Header: h}, nil
	}
	return nil, fmt.Errorf("v3: unhandled message %T", msg)
}
