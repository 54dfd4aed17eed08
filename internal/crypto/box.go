package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	NonceSize = 24
	// MinCiphertextSize is the smallest well-formed ciphertext: nonce plus
	// authentication tag around an empty message.
	MinCiphertextSize = NonceSize + secretbox.Overhead
)

// DecryptionError is returned when a ciphertext cannot be opened.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return "decrypt: " + e.Reason + ": " + e.Err.Error()
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Encrypt seals plaintext with key. The random nonce is prepended to the
// output so the ciphertext is self-contained.
func Encrypt(plaintext []byte, key [32]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("encrypt: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(ciphertext []byte, key [32]byte) ([]byte, error) {
	if len(ciphertext) < MinCiphertextSize {
		return nil, &DecryptionError{Reason: fmt.Sprintf("ciphertext is %d bytes, want at least %d", len(ciphertext), MinCiphertextSize)}
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	out, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &key)
	if !ok {
		return nil, &DecryptionError{Reason: "authentication failed"}
	}
	return out, nil
}

// EncryptHex is Encrypt with hex output, the form carried in relay text
// events.
func EncryptHex(plaintext []byte, key [32]byte) (string, error) {
	ct, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ct), nil
}

// DecryptHex decodes and opens a hex ciphertext.
func DecryptHex(s string, key [32]byte) ([]byte, error) {
	ct, err := hex.DecodeString(s)
	if err != nil {
		return nil, &DecryptionError{Reason: "ciphertext is not hex", Err: err}
	}
	return Decrypt(ct, key)
}

// LooksEncrypted reports whether s could be a hex ciphertext produced by
// EncryptHex. It is a cheap filter run before a real decrypt.
func LooksEncrypted(s string) bool {
	if len(s) < 2*MinCiphertextSize || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// SealForPeer encrypts msg anonymously to the peer's Ed25519 public key
// (libsodium crypto_box_seal).
func SealForPeer(msg []byte, peer ed25519.PublicKey) ([]byte, error) {
	pk, err := x25519Public(peer)
	if err != nil {
		return nil, err
	}
	out, err := box.SealAnonymous(nil, msg, &pk, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return out, nil
}

// OpenSealed opens a sealed box addressed to kp.
func OpenSealed(sealed []byte, kp KeyPair) ([]byte, error) {
	sk, pk, err := kp.x25519()
	if err != nil {
		return nil, err
	}
	defer wipe(sk[:])
	if len(sealed) < box.AnonymousOverhead {
		return nil, &DecryptionError{Reason: "sealed box too short"}
	}
	out, ok := box.OpenAnonymous(nil, sealed, &pk, &sk)
	if !ok {
		return nil, &DecryptionError{Reason: "sealed box authentication failed"}
	}
	return out, nil
}
