// Package blockchain is the plugin surface between the versioned message
// adapters and blockchain-specific payloads. Adapters own the envelope of
// every protocol version; a Codec owns everything inside it that depends
// on the blockchain.
package blockchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/philsphicas/beacon/internal/beacon"
)

// Discriminators shared by every protocol version.
const (
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	// V3 wraps every blockchain-specific message in these two.
	TypeBlockchainRequest  = "blockchain_request"
	TypeBlockchainResponse = "blockchain_response"
)

var (
	ErrUnknownBlockchain = errors.New("unknown blockchain")
	ErrUnsupportedType   = errors.New("unsupported message type")
)

// Codec translates the blockchain-specific part of messages.
//
// For versions "1" and "2" typ is the flat document discriminator (for
// example "operation_request") and raw is the whole document. For "3" typ
// is one of the permission or blockchain wrapper types and raw is the
// blockchainData object.
type Codec interface {
	Identifier() string

	// RequestTypes and ResponseTypes list the blockchain-specific
	// discriminators the codec accepts for a flat (version 1 or 2)
	// document, excluding the permission types.
	RequestTypes(version string) []string
	ResponseTypes(version string) []string

	DecodeRequest(version, typ string, raw json.RawMessage) (beacon.Payload, error)
	DecodeResponse(version, typ string, raw json.RawMessage) (beacon.Payload, error)

	// Encode returns the discriminator and fields for p in the given
	// version.
	Encode(version string, p beacon.Payload) (typ string, fields Fields, err error)

	// ExtractPermission builds the permission granted by resp to req.
	ExtractPermission(req *beacon.PermissionRequest, resp *beacon.PermissionResponse) (beacon.Permission, error)
}

// Registry maps blockchain identifiers to codecs. The first registered
// codec is the default, used for versions 1 and 2 which do not name their
// blockchain.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	def    string
}

// NewRegistry returns a registry holding codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.def == "" {
		r.def = c.Identifier()
	}
	r.codecs[c.Identifier()] = c
}

// Get returns the codec for id.
func (r *Registry) Get(id string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockchain, id)
	}
	return c, nil
}

// Default returns the codec used for versions that predate blockchain
// identifiers.
func (r *Registry) Default() (Codec, error) {
	r.mu.RLock()
	id := r.def
	r.mu.RUnlock()
	if id == "" {
		return nil, fmt.Errorf("%w: registry is empty", ErrUnknownBlockchain)
	}
	return r.Get(id)
}

// Identifiers lists the registered blockchains in sorted order.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.codecs))
	for id := range r.codecs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fields is a JSON object under construction.
type Fields map[string]json.RawMessage

// Set marshals v under key. Nil and empty-string values are omitted.
func (f Fields) Set(key string, v any) error {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	f[key] = b
	return nil
}

// Merge copies every key of other into f, overwriting.
func (f Fields) Merge(other Fields) {
	for k, v := range other {
		f[k] = v
	}
}

// Contains reports whether list contains s.
func Contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParseFields decodes a JSON object into Fields without the dropped keys.
func ParseFields(raw json.RawMessage, drop ...string) (Fields, error) {
	f := Fields{}
	if len(raw) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	for _, k := range drop {
		delete(f, k)
	}
	return f, nil
}

// Raw re-encodes f as a JSON object.
func (f Fields) Raw() json.RawMessage {
	if len(f) == 0 {
		return json.RawMessage("{}")
	}
	b, _ := json.Marshal(map[string]json.RawMessage(f))
	return b
}
