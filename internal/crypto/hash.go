package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

// loginWindow is the time bucket a relay login proof is valid for.
const loginWindow = 5 * time.Minute

// ErrChecksum is returned when a Base58Check string fails verification.
var ErrChecksum = errors.New("base58check: checksum mismatch")

// Hash returns the BLAKE2b-256 digest of b.
func Hash(b []byte) [32]byte {
	return blake2b.Sum256(b)
}

// UserID is the relay user id (localpart) for a public key.
func UserID(pub ed25519.PublicKey) string {
	h := Hash(pub)
	return hex.EncodeToString(h[:])
}

// RecipientFor returns the fully qualified relay user of pub on relayServer.
func RecipientFor(pub ed25519.PublicKey, relayServer string) string {
	return "@" + UserID(pub) + ":" + relayServer
}

// IsOwnMessage reports whether a relay event sender belongs to the holder
// of pub, whichever relay node it arrived through.
func IsOwnMessage(sender string, pub ed25519.PublicKey) bool {
	return strings.HasPrefix(sender, "@"+UserID(pub))
}

// SenderID is the short protocol-level id of a public key: Base58Check of
// its 5-byte BLAKE2b digest.
func SenderID(pub ed25519.PublicKey) string {
	h, _ := blake2b.New(5, nil)
	h.Write(pub)
	return Base58CheckEncode(h.Sum(nil))
}

// LoginDigest is the digest signed to log in to a relay at time now. It
// changes every five minutes so the derived password is a short-lived
// proof of possession.
func LoginDigest(now time.Time) [32]byte {
	bucket := now.Unix() / int64(loginWindow/time.Second)
	return Hash([]byte("login:" + strconv.FormatInt(bucket, 10)))
}

// Base58CheckEncode appends a 4-byte double SHA-256 checksum and encodes
// the result in Base58.
func Base58CheckEncode(payload []byte) string {
	sum := checksum(payload)
	buf := make([]byte, 0, len(payload)+4)
	buf = append(buf, payload...)
	buf = append(buf, sum[:]...)
	return base58.Encode(buf)
}

// Base58CheckDecode reverses Base58CheckEncode.
func Base58CheckDecode(s string) ([]byte, error) {
	buf := base58.Decode(s)
	if len(buf) < 4 {
		return nil, ErrChecksum
	}
	payload, sum := buf[:len(buf)-4], buf[len(buf)-4:]
	want := checksum(payload)
	if !bytes.Equal(sum, want[:]) {
		return nil, ErrChecksum
	}
	return payload, nil
}

func checksum(b []byte) [4]byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}
