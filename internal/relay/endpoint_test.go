package relay

import "testing"

func TestParseServer(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantHost string
		wantBase string
		wantErr  bool
	}{
		{"bare host", "beacon-node-1.example.com", "beacon-node-1.example.com", "https://beacon-node-1.example.com", false},
		{"host and port", "localhost:8008", "localhost:8008", "https://localhost:8008", false},
		{"http url", "http://127.0.0.1:8008/", "127.0.0.1:8008", "http://127.0.0.1:8008", false},
		{"url with path", "https://relay.example.com/matrix/", "relay.example.com", "https://relay.example.com/matrix", false},
		{"whitespace", "  relay.example.com  ", "relay.example.com", "https://relay.example.com", false},
		{"empty", "", "", "", true},
		{"ws scheme", "wss://relay.example.com", "", "", true},
		{"no host", "https://", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, base, err := ParseServer(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseServer(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if host != tt.wantHost || base != tt.wantBase {
				t.Errorf("ParseServer(%q) = %q, %q, want %q, %q", tt.input, host, base, tt.wantHost, tt.wantBase)
			}
		})
	}
}
