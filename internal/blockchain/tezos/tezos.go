// Package tezos is the reference blockchain codec. It knows the permission,
// operation, sign-payload and broadcast payloads of every protocol
// version; it does not validate transaction semantics.
package tezos

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
)

// Identifier is the blockchain identifier carried by version 3 messages.
const Identifier = "tezos"

// Legacy (version 1 and 2) discriminators.
const (
	TypeOperationRequest    = "operation_request"
	TypeSignPayloadRequest  = "sign_payload_request"
	TypeBroadcastRequest    = "broadcast_request"
	TypeOperationResponse   = "operation_response"
	TypeSignPayloadResponse = "sign_payload_response"
	TypeBroadcastResponse   = "broadcast_response"
)

// Permission scopes.
const (
	ScopeSign             = "sign"
	ScopeOperationRequest = "operation_request"
	ScopeEncrypt          = "encrypt"
	ScopeThreshold        = "threshold"
)

type Network struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	RPCURL string `json:"rpcUrl,omitempty"`
}

type PermissionRequest struct {
	Network Network  `json:"network"`
	Scopes  []string `json:"scopes"`
}

type PermissionResponse struct {
	PublicKey string   `json:"publicKey"`
	Address   string   `json:"address,omitempty"`
	Network   Network  `json:"network"`
	Scopes    []string `json:"scopes"`
}

type OperationRequest struct {
	Network          Network           `json:"network"`
	OperationDetails []json.RawMessage `json:"operationDetails"`
	SourceAddress    string            `json:"sourceAddress"`
}

type SignPayloadRequest struct {
	SigningType   string `json:"signingType,omitempty"`
	Payload       string `json:"payload"`
	SourceAddress string `json:"sourceAddress"`
}

type BroadcastRequest struct {
	Network           Network `json:"network"`
	SignedTransaction string  `json:"signedTransaction"`
}

type OperationResponse struct {
	TransactionHash string `json:"transactionHash"`
}

type SignPayloadResponse struct {
	SigningType string `json:"signingType,omitempty"`
	Signature   string `json:"signature"`
}

type BroadcastResponse struct {
	TransactionHash string `json:"transactionHash"`
}

func (*PermissionRequest) Blockchain() string   { return Identifier }
func (*PermissionResponse) Blockchain() string  { return Identifier }
func (*OperationRequest) Blockchain() string    { return Identifier }
func (*SignPayloadRequest) Blockchain() string  { return Identifier }
func (*BroadcastRequest) Blockchain() string    { return Identifier }
func (*OperationResponse) Blockchain() string   { return Identifier }
func (*SignPayloadResponse) Blockchain() string { return Identifier }
func (*BroadcastResponse) Blockchain() string   { return Identifier }

// Codec implements blockchain.Codec for Tezos.
type Codec struct {
	// Now stamps extracted permissions. Defaults to time.Now.
	Now func() time.Time
}

var _ blockchain.Codec = (*Codec)(nil)

func (*Codec) Identifier() string { return Identifier }

func (*Codec) RequestTypes(string) []string {
	return []string{TypeOperationRequest, TypeSignPayloadRequest, TypeBroadcastRequest}
}

func (*Codec) ResponseTypes(string) []string {
	return []string{TypeOperationResponse, TypeSignPayloadResponse, TypeBroadcastResponse}
}

// v3Data is the tezos blockchainData of a version 3 blockchain message;
// it repeats the legacy discriminator inside.
type v3Data struct {
	Type string `json:"type"`
}

func (c *Codec) DecodeRequest(version, typ string, raw json.RawMessage) (beacon.Payload, error) {
	if version == "3" && typ == blockchain.TypeBlockchainRequest {
		var d v3Data
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode tezos blockchain data: %w", err)
		}
		typ = d.Type
	}
	var p beacon.Payload
	switch typ {
	case blockchain.TypePermissionRequest:
		p = &PermissionRequest{}
	case TypeOperationRequest:
		p = &OperationRequest{}
	case TypeSignPayloadRequest:
		p = &SignPayloadRequest{}
	case TypeBroadcastRequest:
		p = &BroadcastRequest{}
	default:
		return nil, fmt.Errorf("%w: tezos request %q", blockchain.ErrUnsupportedType, typ)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode tezos %s: %w", typ, err)
	}
	return p, nil
}

func (c *Codec) DecodeResponse(version, typ string, raw json.RawMessage) (beacon.Payload, error) {
	if version == "3" && typ == blockchain.TypeBlockchainResponse {
		var d v3Data
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode tezos blockchain data: %w", err)
		}
		typ = d.Type
	}
	var p beacon.Payload
	switch typ {
	case blockchain.TypePermissionResponse:
		p = &PermissionResponse{}
	case TypeOperationResponse:
		p = &OperationResponse{}
	case TypeSignPayloadResponse:
		p = &SignPayloadResponse{}
	case TypeBroadcastResponse:
		p = &BroadcastResponse{}
	default:
		return nil, fmt.Errorf("%w: tezos response %q", blockchain.ErrUnsupportedType, typ)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode tezos %s: %w", typ, err)
	}
	return p, nil
}

func (c *Codec) Encode(version string, p beacon.Payload) (string, blockchain.Fields, error) {
	var typ string
	switch p.(type) {
	case *PermissionRequest:
		typ = blockchain.TypePermissionRequest
	case *PermissionResponse:
		typ = blockchain.TypePermissionResponse
	case *OperationRequest:
		typ = TypeOperationRequest
	case *SignPayloadRequest:
		typ = TypeSignPayloadRequest
	case *BroadcastRequest:
		typ = TypeBroadcastRequest
	case *OperationResponse:
		typ = TypeOperationResponse
	case *SignPayloadResponse:
		typ = TypeSignPayloadResponse
	case *BroadcastResponse:
		typ = TypeBroadcastResponse
	default:
		return "", nil, fmt.Errorf("%w: %T", blockchain.ErrUnsupportedType, p)
	}

	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode tezos %s: %w", typ, err)
	}
	fields := blockchain.Fields{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return "", nil, fmt.Errorf("encode tezos %s: %w", typ, err)
	}

	if version != "3" {
		return typ, fields, nil
	}
	switch typ {
	case blockchain.TypePermissionRequest, blockchain.TypePermissionResponse:
		return typ, fields, nil
	}
	if err := fields.Set("type", typ); err != nil {
		return "", nil, err
	}
	if _, ok := p.(interface{ isResponse() }); ok {
		return blockchain.TypeBlockchainResponse, fields, nil
	}
	return blockchain.TypeBlockchainRequest, fields, nil
}

func (*OperationResponse) isResponse()   {}
func (*SignPayloadResponse) isResponse() {}
func (*BroadcastResponse) isResponse()   {}

func (c *Codec) ExtractPermission(req *beacon.PermissionRequest, resp *beacon.PermissionResponse) (beacon.Permission, error) {
	pr, ok := resp.Payload.(*PermissionResponse)
	if !ok {
		return beacon.Permission{}, fmt.Errorf("%w: permission response payload %T", blockchain.ErrUnsupportedType, resp.Payload)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	app := req.AppMetadata
	if resp.AppMetadata != nil && app.SenderID == "" {
		app = *resp.AppMetadata
	}
	address := pr.Address
	if address == "" {
		address = pr.PublicKey
	}
	return beacon.Permission{
		AccountID:   AccountID(address, pr.Network),
		SenderID:    req.SenderID,
		Blockchain:  Identifier,
		AppMetadata: app,
		PublicKey:   pr.PublicKey,
		Address:     address,
		Scopes:      pr.Scopes,
		Network:     pr.Network.Type,
		ConnectedAt: now().UnixMilli(),
	}, nil
}

// AccountID identifies an address on a network.
func AccountID(address string, n Network) string {
	id := address + "-" + n.Type
	if n.Name != "" {
		id += "-" + n.Name
	}
	if n.RPCURL != "" {
		id += "-" + n.RPCURL
	}
	return id
}
