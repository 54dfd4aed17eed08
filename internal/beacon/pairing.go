package beacon

import (
	"fmt"
	"strings"
)

// PairingRequest is what a dApp shows a wallet out of band (QR code or
// deep link) to start pairing over a transport kind.
type PairingRequest struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	PublicKey   string `json:"publicKey"`
	RelayServer string `json:"relayServer"`
	Icon        string `json:"icon,omitempty"`
	AppURL      string `json:"appUrl,omitempty"`
}

// Kind returns the transport kind named by the request type, for example
// KindP2P for "p2p-pairing-request".
func (r PairingRequest) Kind() (Kind, error) {
	prefix, ok := strings.CutSuffix(r.Type, "-pairing-request")
	if !ok || prefix == "" {
		return "", fmt.Errorf("pairing request: unknown type %q", r.Type)
	}
	return Kind(prefix), nil
}

// Peer returns the peer the request describes.
func (r PairingRequest) Peer() (Peer, error) {
	kind, err := r.Kind()
	if err != nil {
		return Peer{}, err
	}
	return Peer{
		Kind:        kind,
		ID:          r.ID,
		Name:        r.Name,
		PublicKey:   r.PublicKey,
		RelayServer: r.RelayServer,
		Version:     r.Version,
		Icon:        r.Icon,
		AppURL:      r.AppURL,
	}, nil
}
