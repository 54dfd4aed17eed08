// Package crypto holds the session cryptography of the connection fabric.
//
// Contents
//
//   - Ed25519 identities and their conversion to X25519 (KeyPair)
//   - libsodium-compatible crypto_kx session keys, memoized per remote key
//     and direction (SessionCache)
//   - XSalsa20-Poly1305 payload encryption with the nonce prepended
//     (Encrypt, Decrypt) and anonymous sealed boxes for pairing (SealForPeer)
//   - relay addressing helpers derived from BLAKE2b hashes of public keys
//     (RecipientFor, IsOwnMessage, SenderID, LoginDigest)
//
// Every failure is returned as ErrInvalidKey or *DecryptionError and is
// never retried here.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKey is returned for keys of the wrong length or encoding.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is the local Ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewKeyPair generates a fresh identity.
func NewKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed rebuilds an identity from its 32-byte seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicKeyHex returns the lowercase hex encoding of the public key.
func (kp KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public)
}

// Sign signs msg with the identity's private key.
func (kp KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// x25519Public converts an Ed25519 public key to its Montgomery form.
func x25519Public(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// x25519Private converts an Ed25519 private key to an X25519 scalar the
// same way libsodium does: the clamped low half of SHA-512(seed).
func x25519Private(priv ed25519.PrivateKey) ([32]byte, error) {
	var out [32]byte
	if len(priv) != ed25519.PrivateKeySize {
		return out, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(priv))
	}
	h := sha512.Sum512(priv.Seed())
	copy(out[:], h[:32])
	wipe(h[:])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out, nil
}

// x25519 returns the converted key pair of the identity.
func (kp KeyPair) x25519() (priv, pub [32]byte, err error) {
	priv, err = x25519Private(kp.Private)
	if err != nil {
		return priv, pub, err
	}
	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], pb)
	return priv, pub, nil
}

// wipe zeroes b. Best effort.
//
//go:noinline
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
