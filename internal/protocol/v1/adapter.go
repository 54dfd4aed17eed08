package v1

import (
	"fmt"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
)

// ToBeacon converts m into the internal model. Version 1 documents do not
// name a blockchain, so codec is the registry's default.
func ToBeacon(m Message, codec blockchain.Codec, origin beacon.ConnectionID) (beacon.Message, error) {
	h := beacon.Header{
		ID:         m.Head().ID,
		Version:    m.Head().Version,
		SenderID:   m.Head().BeaconID,
		Blockchain: codec.Identifier(),
		Origin:     origin,
	}
	if h.Version == "" {
		h.Version = Version
	}

	switch m := m.(type) {
	case *PermissionRequest:
		p, err := codec.DecodeRequest(Version, m.Type, m.Fields.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.PermissionRequest{
			Header: h,
			AppMetadata: beacon.AppMetadata{
				SenderID: m.AppMetadata.BeaconID,
				Name:     m.AppMetadata.Name,
				Icon:     m.AppMetadata.Icon,
			},
			Payload: p,
		}, nil
	case *OperationRequest:
		return blockchainRequest(h, codec, m.Type, m.Fields)
	case *SignPayloadRequest:
		return blockchainRequest(h, codec, m.Type, m.Fields)
	case *BroadcastRequest:
		return blockchainRequest(h, codec, m.Type, m.Fields)
	case *PermissionResponse:
		p, err := codec.DecodeResponse(Version, m.Type, m.Fields.Raw())
		if err != nil {
			return nil, err
		}
		return &beacon.PermissionResponse{Header: h, Payload: p}, nil
	case *OperationResponse:
		return blockchainResponse(h, codec, m.Type, m.Fields)
	case *SignPayloadResponse:
		return blockchainResponse(h, codec, m.Type, m.Fields)
	case *BroadcastResponse:
		return blockchainResponse(h, codec, m.Type, m.Fields)
	case *ErrorResponse:
		return &beacon.ErrorResponse{Header: h, ErrorType: m.ErrorType}, nil
	case *Disconnect:
		return &beacon.Disconnect{Header: h}, nil
	}
	return nil, fmt.Errorf("v1: unhandled message %T", m)
}

func blockchainRequest(h beacon.Header, codec blockchain.Codec, typ string, f blockchain.Fields) (beacon.Message, error) {
	p, err := codec.DecodeRequest(Version, typ, f.Raw())
	if err != nil {
		return nil, err
	}
	return &beacon.BlockchainRequest{Header: h, Payload: p}, nil
}

func blockchainResponse(h beacon.Header, codec blockchain.Codec, typ string, f blockchain.Fields) (beacon.Message, error) {
	p, err := codec.DecodeResponse(Version, typ, f.Raw())
	if err != nil {
		return nil, err
	}
	return &beacon.BlockchainResponse{Header: h, Payload: p}, nil
}

// FromBeacon converts an internal message into its version 1 shape.
// Acknowledgements and blockchain messages outside the three legacy
// operation types have no version 1 form.
func FromBeacon(msg beacon.Message, codec blockchain.Codec) (Message, error) {
	bh := msg.Head()
	h := Header{ID: bh.ID, Version: Version, BeaconID: bh.SenderID}

	switch msg := msg.(type) {
	case *beacon.PermissionRequest:
		typ, fields, err := codec.Encode(Version, msg.Payload)
		if err != nil {
			return nil, err
		}
		h.Type = typ
		return &PermissionRequest{
			Header: h,
			AppMetadata: AppMetadata{
				BeaconID: msg.AppMetadata.SenderID,
				Name:     msg.AppMetadata.Name,
				Icon:     msg.AppMetadata.Icon,
			},
			Fields: fields,
		}, nil
	case *beacon.BlockchainRequest:
		return flat(h, codec, msg.Payload)
	case *beacon.PermissionResponse:
		return flat(h, codec, msg.Payload)
	case *beacon.BlockchainResponse:
		return flat(h, codec, msg.Payload)
	case *beacon.ErrorResponse:
		h.Type = TypeError
		return &ErrorResponse{Header: h, ErrorType: msg.ErrorType}, nil
	case *beacon.Disconnect:
		h.Type = TypeDisconnect
		return &Disconnect{Header: h}, nil
	case *beacon.AcknowledgeResponse:
		return nil, &beacon.UnsupportedMessageError{Message: "acknowledge", Version: Version}
	}
	return nil, fmt.Errorf("v1: unhandled message %T", msg)
}

func flat(h Header, codec blockchain.Codec, p beacon.Payload) (Message, error) {
	typ, fields, err := codec.Encode(Version, p)
	if err != nil {
		return nil, err
	}
	h.Type = typ
	switch typ {
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
	}
	return nil, &beacon.UnsupportedMessageError{Message: typ, Version: Version}
}
