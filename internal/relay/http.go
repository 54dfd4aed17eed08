package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
)

// Error is a relay error response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay returned %d", e.Status)
	}
	return fmt.Sprintf("relay returned %d %s: %s", e.Status, e.Code, e.Message)
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// HTTP performs JSON requests against one relay server. Every in-flight
// request can be cancelled by method and path, which is how a stopped
// client abandons its outstanding long poll.
type HTTP struct {
	base   string
	client *http.Client

	mu       sync.Mutex
	seq      uint64
	inflight map[string]map[uint64]context.CancelFunc
}

// NewHTTP returns an HTTP client for the relay at base. A nil client uses
// http.DefaultClient.
func NewHTTP(base string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{base: base, client: client, inflight: make(map[string]map[uint64]context.CancelFunc)}
}

// Get decodes the JSON response of GET path?query into out.
func (h *HTTP) Get(ctx context.Context, path string, query url.Values, token string, out any) error {
	return h.do(ctx, http.MethodGet, path, query, token, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (h *HTTP) Post(ctx context.Context, path, token string, body, out any) error {
	return h.do(ctx, http.MethodPost, path, nil, token, body, out)
}

// Put sends body as JSON and decodes the response into out.
func (h *HTTP) Put(ctx context.Context, path, token string, body, out any) error {
	return h.do(ctx, http.MethodPut, path, nil, token, body, out)
}

// Cancel aborts every in-flight request for method and path and reports
// how many there were.
func (h *HTTP) Cancel(method, path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := method + " " + path
	n := len(h.inflight[key])
	for _, cancel := range h.inflight[key] {
		cancel()
	}
	delete(h.inflight, key)
	return n
}

func (h *HTTP) track(ctx context.Context, method, path string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	key := method + " " + path

	h.mu.Lock()
	h.seq++
	id := h.seq
	if h.inflight[key] == nil {
		h.inflight[key] = make(map[uint64]context.CancelFunc)
	}
	h.inflight[key][id] = cancel
	h.mu.Unlock()

	return ctx, func() {
		h.mu.Lock()
		delete(h.inflight[key], id)
		if len(h.inflight[key]) == 0 {
			delete(h.inflight, key)
		}
		h.mu.Unlock()
		cancel()
	}
}

func (h *HTTP) do(ctx context.Context, method, path string, query url.Values, token string, body, out any) error {
	ctx, done := h.track(ctx, method, path)
	defer done()

	u := h.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return sanitizeErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &Error{Status: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = json.Unmarshal(b, rerr)
		return rerr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
