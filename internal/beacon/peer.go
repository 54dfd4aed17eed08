// Package beacon defines the data model shared by every layer of the
// connection fabric: peers, connection ids, the internal message model and
// the errors that name which peers an aggregate operation failed for.
package beacon

import (
	"fmt"
	"strings"
)

// Kind identifies a transport family.
type Kind string

const (
	KindP2P       Kind = "p2p"
	KindWebSocket Kind = "websocket"
)

// ConnectionID names the logical origin or destination of a message
// independently of the transport's native addressing.
type ConnectionID struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (c ConnectionID) String() string {
	return string(c.Kind) + ":" + c.ID
}

// Peer is a remote party reachable over a transport kind. A peer's public
// key never changes; metadata is replaced by removing and re-adding it.
type Peer struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	PublicKey   string `json:"publicKey"`
	RelayServer string `json:"relayServer"`
	Version     string `json:"version"`
	Icon        string `json:"icon,omitempty"`
	AppURL      string `json:"appUrl,omitempty"`
}

// Key is the equality key of a peer: public key plus relay address.
func (p Peer) Key() string {
	return strings.ToLower(p.PublicKey) + "@" + p.RelayServer
}

// ConnectionID returns the id under which messages to and from the peer
// are routed.
func (p Peer) ConnectionID() ConnectionID {
	return ConnectionID{Kind: p.Kind, ID: strings.ToLower(p.PublicKey)}
}

func (p Peer) String() string {
	name := p.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("%s(%s…@%s)", name, short(p.PublicKey), p.RelayServer)
}

func short(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// AppMetadata describes the dApp that sent a permission request.
type AppMetadata struct {
	SenderID string `json:"senderId"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
}

// Permission is a granted permission as extracted by a blockchain codec.
type Permission struct {
	AccountID   string      `json:"accountId"`
	SenderID    string      `json:"senderId"`
	Blockchain  string      `json:"blockchainIdentifier"`
	AppMetadata AppMetadata `json:"appMetadata"`
	PublicKey   string      `json:"publicKey,omitempty"`
	Address     string      `json:"address,omitempty"`
	Scopes      []string    `json:"scopes,omitempty"`
	Network     string      `json:"network,omitempty"`
	ConnectedAt int64       `json:"connectedAt"`
}
