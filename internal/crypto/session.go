package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/sync/singleflight"
)

// Direction selects which side of the crypto_kx exchange the local
// identity plays.
type Direction int

const (
	Client Direction = iota
	Server
)

func (d Direction) String() string {
	if d == Server {
		return "server"
	}
	return "client"
}

// SessionKeys is a directional pair of symmetric keys.
type SessionKeys struct {
	Rx [32]byte
	Tx [32]byte
}

// DeriveSessionKeys derives the crypto_kx session keys between kp and the
// remote Ed25519 public key. A client-side Tx equals the matching
// server-side Rx and the other way round.
func DeriveSessionKeys(dir Direction, kp KeyPair, remote ed25519.PublicKey) (SessionKeys, error) {
	var keys SessionKeys
	sk, pk, err := kp.x25519()
	if err != nil {
		return keys, err
	}
	defer wipe(sk[:])

	remotePK, err := x25519Public(remote)
	if err != nil {
		return keys, err
	}
	q, err := curve25519.X25519(sk[:], remotePK[:])
	if err != nil {
		return keys, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer wipe(q)

	clientPK, serverPK := pk, remotePK
	if dir == Server {
		clientPK, serverPK = remotePK, pk
	}
	h, _ := blake2b.New512(nil)
	h.Write(q)
	h.Write(clientPK[:])
	h.Write(serverPK[:])
	sum := h.Sum(nil)
	defer wipe(sum)

	if dir == Server {
		copy(keys.Tx[:], sum[:32])
		copy(keys.Rx[:], sum[32:])
	} else {
		copy(keys.Rx[:], sum[:32])
		copy(keys.Tx[:], sum[32:])
	}
	return keys, nil
}

// SessionCache memoizes session keys for one local identity. Keys for a
// given (direction, remote key) are derived exactly once; concurrent
// first requests share a single derivation.
type SessionCache struct {
	kp KeyPair

	mu    sync.Mutex
	keys  map[string]SessionKeys
	group singleflight.Group
}

// NewSessionCache creates a cache bound to kp.
func NewSessionCache(kp KeyPair) *SessionCache {
	return &SessionCache{kp: kp, keys: make(map[string]SessionKeys)}
}

// KeyPair returns the identity the cache derives keys for.
func (c *SessionCache) KeyPair() KeyPair { return c.kp }

// Keys returns the session keys for remote in the given direction.
func (c *SessionCache) Keys(dir Direction, remote ed25519.PublicKey) (SessionKeys, error) {
	id := dir.String() + ":" + hex.EncodeToString(remote)

	c.mu.Lock()
	k, ok := c.keys[id]
	c.mu.Unlock()
	if ok {
		return k, nil
	}

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		c.mu.Lock()
		if k, ok := c.keys[id]; ok {
			c.mu.Unlock()
			return k, nil
		}
		c.mu.Unlock()

		k, err := DeriveSessionKeys(dir, c.kp, remote)
		if err != nil {
			return SessionKeys{}, err
		}
		c.mu.Lock()
		c.keys[id] = k
		c.mu.Unlock()
		return k, nil
	})
	if err != nil {
		return SessionKeys{}, err
	}
	return v.(SessionKeys), nil
}

// ClientKeys is Keys(Client, remote).
func (c *SessionCache) ClientKeys(remote ed25519.PublicKey) (SessionKeys, error) {
	return c.Keys(Client, remote)
}

// ServerKeys is Keys(Server, remote).
func (c *SessionCache) ServerKeys(remote ed25519.PublicKey) (SessionKeys, error) {
	return c.Keys(Server, remote)
}
