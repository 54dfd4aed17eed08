// Package transport wraps a transport-kind implementation with the status
// machine, connected-peer bookkeeping and buffered listener streams every
// kind shares.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/philsphicas/beacon/internal/protocol"
)

// Status is the lifecycle state of a Transport.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Paused
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrPairingUnsupported = errors.New("transport does not support pairing")
)

// LifecycleError reports a failed transport operation.
type LifecycleError struct {
	Kind beacon.Kind
	Op   string
	Err  error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Kind, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// Sink receives what an Impl produces. Its methods may be called from any
// goroutine.
type Sink interface {
	Message(env protocol.InboundEnvelope)
	Pairing(peer beacon.Peer)
}

// Impl is a transport kind. The Transport wrapper serializes lifecycle
// calls, so an Impl never sees two of them at once.
type Impl interface {
	Kind() beacon.Kind
	// Start connects and delivers to sink until Stop.
	Start(ctx context.Context, sink Sink) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Connect and Disconnect start or stop listening to peers. A
	// *beacon.PeersError names the peers that failed.
	Connect(ctx context.Context, peers []beacon.Peer) error
	Disconnect(ctx context.Context, peers []beacon.Peer) error
	Send(ctx context.Context, env protocol.OutboundEnvelope) error
}

// Pairer is implemented by kinds that can pair new peers.
type Pairer interface {
	// Pair returns a request to hand to the other party out of band.
	// Completed pairings arrive on the pairing stream.
	Pair(ctx context.Context) (beacon.PairingRequest, error)
	// PairWith answers a pairing request and returns the paired peer.
	PairWith(ctx context.Context, req beacon.PairingRequest) (beacon.Peer, error)
}

// Config holds parameters for a Transport.
type Config struct {
	Metrics *metrics.Metrics // optional; nil disables metrics
	Logger  *slog.Logger
}

// Transport owns the status of one Impl.
type Transport struct {
	impl    Impl
	logger  *slog.Logger
	metrics *metrics.Metrics

	// mu serializes lifecycle transitions and is held across the impl call.
	mu sync.Mutex

	statusMu sync.RWMutex
	status   Status

	peers    mapset.Set[beacon.Peer]
	messages *listeners[protocol.InboundEnvelope]
	pairing  *listeners[beacon.Peer]
}

// New wraps impl in a disconnected Transport.
func New(impl Impl, cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		impl:     impl,
		logger:   cfg.Logger.With("transport", impl.Kind()),
		metrics:  cfg.Metrics,
		peers:    mapset.NewSet[beacon.Peer](),
		messages: newListeners[protocol.InboundEnvelope](),
		pairing:  newListeners[beacon.Peer](),
	}
}

func (t *Transport) Kind() beacon.Kind { return t.impl.Kind() }

func (t *Transport) Status() Status {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return t.status
}

func (t *Transport) setStatus(s Status) {
	t.statusMu.Lock()
	t.status = s
	t.statusMu.Unlock()

	// Deliver while connecting so events seen during start are not held
	// back until Start returns.
	ready := s == Connected || s == Connecting
	t.messages.setReady(ready)
	t.pairing.setReady(ready)
	t.metrics.SetTransportConnected(string(t.Kind()), s == Connected)
	t.logger.Debug("transport status changed", "status", s)
}

// Start connects the transport. Starting a paused transport resumes it;
// starting a connected one is a no-op.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.Status() {
	case Connected, Connecting:
		return nil
	case Paused:
		return t.resumeLocked(ctx)
	}

	t.setStatus(Connecting)
	if err := t.impl.Start(ctx, sink{t}); err != nil {
		t.setStatus(Disconnected)
		return &LifecycleError{Kind: t.Kind(), Op: "start", Err: err}
	}
	t.setStatus(Connected)
	return nil
}

// Stop disconnects the transport and drops listeners, buffered values and
// connected peers.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status() == Disconnected {
		return nil
	}
	err := t.impl.Stop(ctx)
	t.setStatus(Disconnected)
	t.messages.reset()
	t.pairing.reset()
	t.peers.Clear()
	if err != nil {
		return &LifecycleError{Kind: t.Kind(), Op: "stop", Err: err}
	}
	return nil
}

// Pause suspends a connected transport. Values arriving while paused are
// buffered until Resume.
func (t *Transport) Pause(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.Status() {
	case Paused:
		return nil
	case Connected:
	default:
		return &LifecycleError{Kind: t.Kind(), Op: "pause", Err: ErrNotConnected}
	}
	if err := t.impl.Pause(ctx); err != nil {
		return &LifecycleError{Kind: t.Kind(), Op: "pause", Err: err}
	}
	t.setStatus(Paused)
	return nil
}

// Resume reconnects a paused transport.
func (t *Transport) Resume(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.Status() {
	case Connected:
		return nil
	case Paused:
		return t.resumeLocked(ctx)
	}
	return &LifecycleError{Kind: t.Kind(), Op: "resume", Err: ErrNotConnected}
}

func (t *Transport) resumeLocked(ctx context.Context) error {
	if err := t.impl.Resume(ctx); err != nil {
		return &LifecycleError{Kind: t.Kind(), Op: "resume", Err: err}
	}
	t.setStatus(Connected)
	return nil
}

// Connect starts listening to peers. Peers that failed are reported in a
// *beacon.PeersError and left out of the connected set.
func (t *Transport) Connect(ctx context.Context, peers []beacon.Peer) error {
	err := t.impl.Connect(ctx, peers)
	for _, p := range without(peers, err) {
		t.peers.Add(p)
	}
	return err
}

// Disconnect stops listening to peers.
func (t *Transport) Disconnect(ctx context.Context, peers []beacon.Peer) error {
	err := t.impl.Disconnect(ctx, peers)
	for _, p := range without(peers, err) {
		t.peers.Remove(p)
	}
	return err
}

// without returns peers minus those err names as failed. Any other error
// fails them all.
func without(peers []beacon.Peer, err error) []beacon.Peer {
	if err == nil {
		return peers
	}
	var pe *beacon.PeersError
	if !errors.As(err, &pe) {
		return nil
	}
	failed := mapset.NewThreadUnsafeSet[string]()
	for _, p := range pe.Peers() {
		failed.Add(p.Key())
	}
	out := make([]beacon.Peer, 0, len(peers))
	for _, p := range peers {
		if !failed.Contains(p.Key()) {
			out = append(out, p)
		}
	}
	return out
}

// Peers returns the connected peers.
func (t *Transport) Peers() []beacon.Peer {
	return t.peers.ToSlice()
}

// HasPeer reports whether a connected peer is routed under id.
func (t *Transport) HasPeer(id beacon.ConnectionID) bool {
	found := false
	t.peers.Each(func(p beacon.Peer) bool {
		found = p.ConnectionID() == id
		return found
	})
	return found
}

// Send delivers env. The transport must be connected.
func (t *Transport) Send(ctx context.Context, env protocol.OutboundEnvelope) error {
	if t.Status() != Connected {
		return &LifecycleError{Kind: t.Kind(), Op: "send", Err: ErrNotConnected}
	}
	start := time.Now()
	err := t.impl.Send(ctx, env)
	t.metrics.ObserveSend(string(t.Kind()), time.Since(start).Seconds())
	if err != nil {
		t.metrics.MessageError(metrics.Reason(err, metrics.ReasonSendFailed))
		return fmt.Errorf("send to %s: %w", env.Destination, err)
	}
	t.metrics.PeerMessage(env.Destination.ID, "out")
	return nil
}

func (t *Transport) SupportsPairing() bool {
	_, ok := t.impl.(Pairer)
	return ok
}

// Pair starts pairing as the party that shows the request.
func (t *Transport) Pair(ctx context.Context) (beacon.PairingRequest, error) {
	p, ok := t.impl.(Pairer)
	if !ok {
		return beacon.PairingRequest{}, &LifecycleError{Kind: t.Kind(), Op: "pair", Err: ErrPairingUnsupported}
	}
	if t.Status() != Connected {
		return beacon.PairingRequest{}, &LifecycleError{Kind: t.Kind(), Op: "pair", Err: ErrNotConnected}
	}
	return p.Pair(ctx)
}

// PairWith answers a pairing request and connects the resulting peer.
func (t *Transport) PairWith(ctx context.Context, req beacon.PairingRequest) (beacon.Peer, error) {
	p, ok := t.impl.(Pairer)
	if !ok {
		return beacon.Peer{}, &LifecycleError{Kind: t.Kind(), Op: "pair", Err: ErrPairingUnsupported}
	}
	if t.Status() != Connected {
		return beacon.Peer{}, &LifecycleError{Kind: t.Kind(), Op: "pair", Err: ErrNotConnected}
	}
	peer, err := p.PairWith(ctx, req)
	if err != nil {
		return beacon.Peer{}, fmt.Errorf("pair with %s: %w", req.Name, err)
	}
	return peer, nil
}

// ListenMessages registers fn for incoming messages. fn runs on a
// transport goroutine, one message at a time, and must not call Stop.
func (t *Transport) ListenMessages(fn func(protocol.InboundEnvelope)) (remove func()) {
	return t.messages.add(fn)
}

// ListenPairing registers fn for peers paired through Pair.
func (t *Transport) ListenPairing(fn func(beacon.Peer)) (remove func()) {
	return t.pairing.add(fn)
}

type sink struct{ t *Transport }

func (s sink) Message(env protocol.InboundEnvelope) {
	s.t.metrics.PeerMessage(env.Origin.ID, "in")
	s.t.messages.emit(env)
}

func (s sink) Pairing(peer beacon.Peer) {
	s.t.logger.Info("peer paired", "peer", peer)
	s.t.pairing.emit(peer)
}
