package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/protocol"
)

const hubWriteTimeout = 10 * time.Second

// Hub routes envelopes between WebSocket transports. Each connection
// registers a connection id with the "id" query parameter; a newer
// connection for the same id replaces the older one.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewHub returns an empty hub. A nil logger uses slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, conns: make(map[string]*websocket.Conn)}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	h.register(id, ws)
	defer h.unregister(id, ws)
	h.logger.Debug("hub connection registered", "id", id)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			h.logger.Debug("hub connection closed", "id", id, "error", err)
			return
		}
		var env protocol.OutboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("invalid envelope", "id", id, "error", err)
			continue
		}
		h.route(ctx, id, env)
	}
}

func (h *Hub) route(ctx context.Context, from string, env protocol.OutboundEnvelope) {
	h.mu.Lock()
	dst, ok := h.conns[env.Destination.ID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("no connection for destination", "from", from, "destination", env.Destination)
		return
	}
	out, err := json.Marshal(protocol.InboundEnvelope{
		Origin:  beacon.ConnectionID{Kind: beacon.KindWebSocket, ID: from},
		Content: env.Content,
	})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	if err := dst.Write(writeCtx, websocket.MessageText, out); err != nil {
		h.logger.Warn("forward failed", "from", from, "destination", env.Destination, "error", err)
	}
}

func (h *Hub) register(id string, ws *websocket.Conn) {
	h.mu.Lock()
	old := h.conns[id]
	h.conns[id] = ws
	h.mu.Unlock()
	if old != nil {
		_ = old.CloseNow()
	}
}

func (h *Hub) unregister(id string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[id] == ws {
		delete(h.conns, id)
	}
}

// Connected lists the registered connection ids in sorted order.
func (h *Hub) Connected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Drop closes the connection registered under id, if any.
func (h *Hub) Drop(id string) {
	h.mu.Lock()
	ws := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ws != nil {
		_ = ws.CloseNow()
	}
}
