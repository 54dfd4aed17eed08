package protocol

import (
	"fmt"

	"github.com/philsphicas/beacon/internal/crypto"
)

// Serializer turns a versioned JSON document into the text carried by a
// transport and back.
type Serializer interface {
	Serialize(doc []byte) (string, error)
	Deserialize(s string) ([]byte, error)
}

// Base58Check is the default serializer: Base58 text with a four-byte
// double-SHA256 checksum.
type Base58Check struct{}

func (Base58Check) Serialize(doc []byte) (string, error) {
	return crypto.Base58CheckEncode(doc), nil
}

func (Base58Check) Deserialize(s string) ([]byte, error) {
	b, err := crypto.Base58CheckDecode(s)
	if err != nil {
		return nil, fmt.Errorf("deserialize message: %w", err)
	}
	return b, nil
}
