package relay

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseServer normalizes a relay server input to the host that appears in
// relay user ids and the base URL requests are made against.
//
// Accepted input formats:
//   - Bare host: "beacon-node-1.example.com" → https://beacon-node-1.example.com
//   - Host and port: "localhost:8008" → https://localhost:8008
//   - URL: "http://127.0.0.1:8008/" → used with the trailing slash removed
func ParseServer(input string) (host, base string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", "", fmt.Errorf("empty relay server")
	}
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", "", fmt.Errorf("parse relay server: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("parse relay server %q: missing host", input)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", "", fmt.Errorf("parse relay server %q: unsupported scheme %q", input, u.Scheme)
	}
	return u.Host, u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/"), nil
}
