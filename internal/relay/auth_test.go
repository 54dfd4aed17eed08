package relay

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/philsphicas/beacon/internal/crypto"
)

func TestSanitizeErr(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"query token", "Get https://host/_matrix/client/r0/sync?access_token=SECRET&since=s1"},
		{"token at end", "error access_token=SECRET"},
		{"token with trailing space", "error access_token=SECRET rest of message"},
		{"token with trailing quote", `error access_token=SECRET" more`},
		{"multiple tokens", "first access_token=SECRET1 second access_token=SECRET2"},
		{"bearer header", "echoed header Bearer SECRET back"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sanitizeErr(fmt.Errorf("%s", tt.input))
			if strings.Contains(err.Error(), "SECRET") {
				t.Errorf("token not redacted: %v", err)
			}
			if !strings.Contains(err.Error(), "REDACTED") {
				t.Errorf("expected REDACTED in error: %v", err)
			}
		})
	}

	t.Run("no token", func(t *testing.T) {
		err := sanitizeErr(fmt.Errorf("connection refused"))
		if err.Error() != "connection refused" {
			t.Errorf("expected unchanged error, got %q", err.Error())
		}
	})
}

func TestNewCredentials(t *testing.T) {
	kp, err := crypto.KeyPairFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	c := NewCredentials(kp, now)

	if c.User != crypto.UserID(kp.Public) {
		t.Errorf("user = %q", c.User)
	}
	if c.DeviceID != kp.PublicKeyHex() {
		t.Errorf("device = %q", c.DeviceID)
	}
	if !strings.HasPrefix(c.Password, "ed:") || !strings.HasSuffix(c.Password, ":"+kp.PublicKeyHex()) {
		t.Errorf("password = %q", c.Password)
	}
	// 64-byte signature in hex between the prefix and the key.
	if sig := strings.Split(c.Password, ":")[1]; len(sig) != 128 {
		t.Errorf("signature length = %d, want 128", len(sig))
	}

	if NewCredentials(kp, now.Add(time.Second)) != c {
		t.Error("credentials changed within one login window")
	}
}
