// Package relay is a client for the Matrix-style relay servers Beacon
// peers rendezvous on.
//
// It derives login credentials from an Ed25519 key pair, keeps one sync
// long-poll loop running per client, decomposes sync responses into room
// events and sends text messages into rooms.
package relay

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/philsphicas/beacon/internal/crypto"
)

// Credentials are the password-login parameters derived from a key pair.
// The password proves possession of the private key for the current
// five-minute window only.
type Credentials struct {
	User     string
	Password string
	DeviceID string
}

// NewCredentials derives the login credentials of kp at time now.
func NewCredentials(kp crypto.KeyPair, now time.Time) Credentials {
	digest := crypto.LoginDigest(now)
	sig := kp.Sign(digest[:])
	return Credentials{
		User:     crypto.UserID(kp.Public),
		Password: "ed:" + hex.EncodeToString(sig) + ":" + kp.PublicKeyHex(),
		DeviceID: kp.PublicKeyHex(),
	}
}

var secretMarkers = []string{"access_token=", "Bearer "}

// sanitizeErr strips access tokens from HTTP errors to avoid leaking
// credentials in log output.
func sanitizeErr(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	redacted := false
	for _, marker := range secretMarkers {
		for off := 0; ; {
			i := strings.Index(s[off:], marker)
			if i == -1 {
				break
			}
			start := off + i + len(marker)
			end := strings.IndexAny(s[start:], "\"& ")
			if end == -1 {
				s = s[:start] + "REDACTED"
			} else {
				s = s[:start] + "REDACTED" + s[start+end:]
			}
			off = start + len("REDACTED")
			redacted = true
		}
	}
	if !redacted {
		return err
	}
	return fmt.Errorf("%s", s)
}
