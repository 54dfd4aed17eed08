package p2p

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/crypto"
)

// channelOpenPrefix starts the text message a wallet sends to complete
// pairing: "@channel-open:<recipient>:<hex sealed payload>".
const channelOpenPrefix = "@channel-open:"

var errNotChannelOpen = errors.New("not a channel-open message")

// EncodePairingRequest renders req as the Base58Check string shown to a
// wallet as a QR code or deep link.
func EncodePairingRequest(req beacon.PairingRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode pairing request: %w", err)
	}
	return crypto.Base58CheckEncode(b), nil
}

// ParsePairingRequest decodes a string produced by EncodePairingRequest.
func ParsePairingRequest(s string) (beacon.PairingRequest, error) {
	b, err := crypto.Base58CheckDecode(strings.TrimSpace(s))
	if err != nil {
		return beacon.PairingRequest{}, fmt.Errorf("decode pairing request: %w", err)
	}
	var req beacon.PairingRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return beacon.PairingRequest{}, fmt.Errorf("decode pairing request: %w", err)
	}
	if req.Type != crypto.PairingRequestType {
		return beacon.PairingRequest{}, fmt.Errorf("decode pairing request: unexpected type %q", req.Type)
	}
	if _, err := crypto.ParsePublicKey(req.PublicKey); err != nil {
		return beacon.PairingRequest{}, fmt.Errorf("decode pairing request: %w", err)
	}
	if req.RelayServer == "" {
		return beacon.PairingRequest{}, errors.New("decode pairing request: missing relay server")
	}
	return req, nil
}

func channelOpenMessage(recipient string, sealed []byte) string {
	return channelOpenPrefix + recipient + ":" + hex.EncodeToString(sealed)
}

// parseChannelOpen returns the sealed payload of a channel-open message
// addressed to the holder of userID (the relay localpart, without "@").
func parseChannelOpen(body, userID string) ([]byte, error) {
	rest, ok := strings.CutPrefix(body, channelOpenPrefix)
	if !ok {
		return nil, errNotChannelOpen
	}
	if !strings.HasPrefix(rest, "@"+userID+":") {
		return nil, fmt.Errorf("channel-open message for another recipient")
	}
	i := strings.LastIndex(rest, ":")
	sealed, err := hex.DecodeString(rest[i+1:])
	if err != nil {
		return nil, fmt.Errorf("decode channel-open payload: %w", err)
	}
	return sealed, nil
}

// serverOf returns the relay server part of a relay user id.
func serverOf(userID string) string {
	_, server, _ := strings.Cut(userID, ":")
	return server
}
