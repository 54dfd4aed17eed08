package crypto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	PairingRequestType  = "p2p-pairing-request"
	PairingResponseType = "p2p-pairing-response"

	// LatestPairingVersion is stamped on responses to peers whose version
	// does not parse. It tracks protocol.Latest.
	LatestPairingVersion = "3"
)

// Identity is what the local party tells a peer about itself when pairing.
type Identity struct {
	ID        string
	Name      string
	PublicKey string
	Icon      string
	AppURL    string
}

// PairingResponse is the structured pairing payload for peers speaking
// version 2 or later.
type PairingResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	PublicKey   string `json:"publicKey"`
	RelayServer string `json:"relayServer"`
	Icon        string `json:"icon,omitempty"`
	AppURL      string `json:"appUrl,omitempty"`
}

// PairingPayload builds what is sealed to a peer to complete pairing.
// Version "1" peers receive the bare hex public key; every later or
// unknown version receives the newest JSON pairing response.
func PairingPayload(peerVersion string, local Identity, relayServer string) ([]byte, error) {
	switch major(peerVersion) {
	case 1:
		return []byte(local.PublicKey), nil
	case 0:
		peerVersion = LatestPairingVersion
	}
	b, err := json.Marshal(PairingResponse{
		ID:          local.ID,
		Type:        PairingResponseType,
		Name:        local.Name,
		Version:     peerVersion,
		PublicKey:   local.PublicKey,
		RelayServer: relayServer,
		Icon:        local.Icon,
		AppURL:      local.AppURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pairing response: %w", err)
	}
	return b, nil
}

// ParsePairingPayload decodes either payload form produced by
// PairingPayload. A bare key is reported as a version "1" response on
// relayServer.
func ParsePairingPayload(b []byte, relayServer string) (PairingResponse, error) {
	s := strings.TrimSpace(string(b))
	if !strings.HasPrefix(s, "{") {
		if _, err := ParsePublicKey(s); err != nil {
			return PairingResponse{}, err
		}
		return PairingResponse{Type: PairingResponseType, Version: "1", PublicKey: s, RelayServer: relayServer}, nil
	}
	var resp PairingResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return PairingResponse{}, fmt.Errorf("decode pairing response: %w", err)
	}
	if _, err := ParsePublicKey(resp.PublicKey); err != nil {
		return PairingResponse{}, err
	}
	return resp, nil
}

// major returns the major component of a protocol version string, or 0
// if it does not parse.
func major(version string) int {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}
