// Package socket implements the WebSocket transport kind. Each party keeps
// one WebSocket to a Hub, which routes envelopes between connection ids.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/philsphicas/beacon/internal/protocol"
	"github.com/philsphicas/beacon/internal/transport"
)

const (
	defaultDialTimeout = 30 * time.Second
	pingInterval       = 30 * time.Second
	pingTimeout        = 10 * time.Second
	reconnectMin       = 1 * time.Second
	reconnectMax       = 30 * time.Second
)

var ErrDisconnected = errors.New("websocket not connected")

// Config holds parameters for a WebSocket transport.
type Config struct {
	// URL is the hub endpoint, ws:// or wss://.
	URL string
	// ID is the connection id this side registers under. Peers address
	// it through their Peer.PublicKey.
	ID           string
	DialTimeout  time.Duration
	PingInterval time.Duration
	// ReconnectDelay is the first reconnect backoff. It doubles up to 30s.
	ReconnectDelay time.Duration

	Metrics *metrics.Metrics // optional; nil disables metrics
	Logger  *slog.Logger
}

// Transport is the WebSocket transport.Impl.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	sink   transport.Sink
	conn   *websocket.Conn
	peers  map[string]beacon.Peer // by connection id
	cancel context.CancelFunc
	done   chan struct{}
}

var _ transport.Impl = (*Transport)(nil)

// New returns a stopped WebSocket transport.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" || cfg.ID == "" {
		return nil, errors.New("websocket transport: url and id are required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("websocket transport: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = pingInterval
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = reconnectMin
	}
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With("hub", cfg.URL),
		peers:  make(map[string]beacon.Peer),
	}, nil
}

func (t *Transport) Kind() beacon.Kind { return beacon.KindWebSocket }

// Start dials the hub and keeps the connection up until Stop.
func (t *Transport) Start(ctx context.Context, sink transport.Sink) error {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
	return t.run(ctx)
}

func (t *Transport) Stop(context.Context) error {
	t.halt()
	t.mu.Lock()
	t.sink = nil
	clear(t.peers)
	t.mu.Unlock()
	return nil
}

// Pause closes the connection but keeps peers.
func (t *Transport) Pause(context.Context) error {
	t.halt()
	return nil
}

func (t *Transport) Resume(ctx context.Context) error {
	return t.run(ctx)
}

func (t *Transport) Connect(_ context.Context, peers []beacon.Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		t.peers[p.ConnectionID().ID] = p
	}
	return nil
}

func (t *Transport) Disconnect(_ context.Context, peers []beacon.Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		delete(t.peers, p.ConnectionID().ID)
	}
	return nil
}

// Send writes env to the hub as one text frame.
func (t *Transport) Send(ctx context.Context, env protocol.OutboundEnvelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// run dials once, reporting failure, then hands the connection to the
// reconnect loop.
func (t *Transport) run(ctx context.Context) error {
	ws, err := t.dial(ctx)
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel, t.done = cancel, done
	t.conn = ws
	t.mu.Unlock()

	go t.loop(loopCtx, ws, done)
	return nil
}

// halt stops the reconnect loop and waits for it to exit.
func (t *Transport) halt() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("id", t.cfg.ID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	return ws, nil
}

func (t *Transport) loop(ctx context.Context, ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	delay := t.cfg.ReconnectDelay
	for {
		start := time.Now()
		err := t.serve(ctx, ws)
		if ctx.Err() != nil {
			return
		}
		// Reset backoff if the connection was up for a meaningful duration.
		if time.Since(start) > reconnectMax {
			delay = t.cfg.ReconnectDelay
		}
		t.logger.Warn("hub connection lost, reconnecting", "error", err, "delay", delay)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMax)
			ws, err = t.dial(ctx)
			if err == nil {
				break
			}
			t.logger.Warn("reconnect failed", "error", err, "delay", delay)
		}
		t.logger.Info("hub connection restored")
	}
}

// serve reads envelopes from ws until it fails or ctx is cancelled.
func (t *Transport) serve(ctx context.Context, ws *websocket.Conn) error {
	t.mu.Lock()
	t.conn = ws
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.conn == ws {
			t.conn = nil
		}
		t.mu.Unlock()
		_ = ws.CloseNow()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pingLoop(loopCtx, ws, t.cfg.PingInterval, t.logger, cancel)
	}()

	for {
		_, data, err := ws.Read(loopCtx)
		if err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		var env protocol.InboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("invalid envelope", "error", err)
			t.cfg.Metrics.MessageError(metrics.ReasonDecodeFailed)
			continue
		}
		t.deliver(env)
	}
}

func (t *Transport) deliver(env protocol.InboundEnvelope) {
	t.mu.Lock()
	sink := t.sink
	_, known := t.peers[env.Origin.ID]
	t.mu.Unlock()
	if sink == nil || !known {
		t.logger.Debug("dropping envelope from unknown origin", "origin", env.Origin)
		return
	}
	sink.Message(env)
}

func pingLoop(ctx context.Context, ws *websocket.Conn, interval time.Duration, logger *slog.Logger, cancel context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Warn("ping failed, forcing reconnect", "error", err)
				cancel()
				return
			}
		}
	}
}
