// Package connection fans a set of transports into one stream of incoming
// messages and routes outgoing messages to the transport of their kind.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/philsphicas/beacon/internal/protocol"
	"github.com/philsphicas/beacon/internal/transport"
)

var ErrNoTransport = errors.New("no transport for connection kind")

// TransportsError names every transport kind an operation failed for.
type TransportsError struct {
	Op       string
	Failures map[beacon.Kind]error
}

func (e *TransportsError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for kind, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", kind, err))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s transports: %s", e.Op, strings.Join(parts, "; "))
}

func (e *TransportsError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// Incoming is one deserialized message, or the error deserializing it.
type Incoming struct {
	Origin  beacon.ConnectionID
	Content json.RawMessage
	Err     error
}

// Outgoing is a message addressed to a connection.
type Outgoing struct {
	Destination beacon.ConnectionID
	Message     protocol.Versioned
}

// Config holds parameters for a Controller.
type Config struct {
	Transports []*transport.Transport
	// Serializer converts documents to transport text. Defaults to
	// Base58Check.
	Serializer protocol.Serializer

	Metrics *metrics.Metrics // optional; nil disables metrics
	Logger  *slog.Logger
}

// Controller owns a fixed set of transports, at most one per kind.
type Controller struct {
	transports map[beacon.Kind]*transport.Transport
	order      []beacon.Kind
	serializer protocol.Serializer
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New returns a controller over cfg.Transports.
func New(cfg Config) (*Controller, error) {
	if len(cfg.Transports) == 0 {
		return nil, errors.New("connection controller: no transports")
	}
	if cfg.Serializer == nil {
		cfg.Serializer = protocol.Base58Check{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		transports: make(map[beacon.Kind]*transport.Transport, len(cfg.Transports)),
		serializer: cfg.Serializer,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	for _, t := range cfg.Transports {
		if _, dup := c.transports[t.Kind()]; dup {
			return nil, fmt.Errorf("connection controller: duplicate %s transport", t.Kind())
		}
		c.transports[t.Kind()] = t
		c.order = append(c.order, t.Kind())
	}
	return c, nil
}

// Transport returns the transport of the given kind.
func (c *Controller) Transport(kind beacon.Kind) (*transport.Transport, bool) {
	t, ok := c.transports[kind]
	return t, ok
}

// Kinds lists the transport kinds in configuration order.
func (c *Controller) Kinds() []beacon.Kind {
	return append([]beacon.Kind(nil), c.order...)
}

// Connect starts every transport in parallel. Transports that started stay
// connected even when others failed.
func (c *Controller) Connect(ctx context.Context) error {
	return c.each(ctx, "start", func(ctx context.Context, t *transport.Transport) error {
		return t.Start(ctx)
	})
}

// Disconnect stops every transport.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.each(ctx, "stop", func(ctx context.Context, t *transport.Transport) error {
		return t.Stop(ctx)
	})
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.each(ctx, "pause", func(ctx context.Context, t *transport.Transport) error {
		return t.Pause(ctx)
	})
}

func (c *Controller) Resume(ctx context.Context) error {
	return c.each(ctx, "resume", func(ctx context.Context, t *transport.Transport) error {
		return t.Resume(ctx)
	})
}

// each runs fn on every transport concurrently and collects failures by
// kind. The group has no shared context, so one failure never cancels
// the others.
func (c *Controller) each(ctx context.Context, op string, fn func(context.Context, *transport.Transport) error) error {
	var (
		mu       sync.Mutex
		failures = make(map[beacon.Kind]error)
		g        errgroup.Group
	)
	for _, kind := range c.order {
		t := c.transports[kind]
		g.Go(func() error {
			err := fn(ctx, t)
			if err != nil {
				c.logger.Warn("transport "+op+" failed", "transport", kind, "error", err)
				mu.Lock()
				failures[kind] = err
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return &TransportsError{Op: op, Failures: failures}
}

// Listen registers fn for messages from every transport. fn may run
// concurrently for messages of different kinds.
func (c *Controller) Listen(fn func(Incoming)) (remove func()) {
	removers := make([]func(), 0, len(c.order))
	for _, kind := range c.order {
		removers = append(removers, c.transports[kind].ListenMessages(func(env protocol.InboundEnvelope) {
			fn(c.incoming(env))
		}))
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}

func (c *Controller) incoming(env protocol.InboundEnvelope) Incoming {
	doc, err := c.serializer.Deserialize(env.Content)
	if err != nil {
		c.metrics.MessageError(metrics.ReasonDecodeFailed)
		return Incoming{Origin: env.Origin, Err: err}
	}
	if !json.Valid(doc) {
		c.metrics.MessageError(metrics.ReasonDecodeFailed)
		return Incoming{Origin: env.Origin, Err: errors.New("deserialize message: content is not JSON")}
	}
	return Incoming{Origin: env.Origin, Content: doc}
}

// ListenPairing registers fn for peers paired on any transport.
func (c *Controller) ListenPairing(fn func(beacon.Peer)) (remove func()) {
	removers := make([]func(), 0, len(c.order))
	for _, kind := range c.order {
		removers = append(removers, c.transports[kind].ListenPairing(fn))
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}

// Send serializes out.Message and hands it to the transport of the
// destination's kind.
func (c *Controller) Send(ctx context.Context, out Outgoing) error {
	t, ok := c.transports[out.Destination.Kind]
	if !ok {
		return fmt.Errorf("send to %s: %w", out.Destination, ErrNoTransport)
	}
	env, err := protocol.Seal(c.serializer, out.Destination, out.Message)
	if err != nil {
		return fmt.Errorf("seal message %s: %w", out.Message.ID(), err)
	}
	return t.Send(ctx, env)
}

// Pair starts pairing on the transport of the given kind.
func (c *Controller) Pair(ctx context.Context, kind beacon.Kind) (beacon.PairingRequest, error) {
	t, ok := c.transports[kind]
	if !ok {
		return beacon.PairingRequest{}, fmt.Errorf("pair over %s: %w", kind, ErrNoTransport)
	}
	return t.Pair(ctx)
}

// PairWith answers req on the transport its type names.
func (c *Controller) PairWith(ctx context.Context, req beacon.PairingRequest) (beacon.Peer, error) {
	kind, err := req.Kind()
	if err != nil {
		return beacon.Peer{}, err
	}
	t, ok := c.transports[kind]
	if !ok {
		return beacon.Peer{}, fmt.Errorf("pair over %s: %w", kind, ErrNoTransport)
	}
	return t.PairWith(ctx, req)
}

// OnNew connects newly stored peers on the transports of their kinds.
func (c *Controller) OnNew(ctx context.Context, peers []beacon.Peer) error {
	return c.fanOut(ctx, "connect", peers, (*transport.Transport).Connect)
}

// OnDeleted disconnects removed peers.
func (c *Controller) OnDeleted(ctx context.Context, peers []beacon.Peer) error {
	return c.fanOut(ctx, "disconnect", peers, (*transport.Transport).Disconnect)
}

type peerOp func(*transport.Transport, context.Context, []beacon.Peer) error

// fanOut groups peers by kind and applies op on each transport, merging
// per-peer failures into one *beacon.PeersError.
func (c *Controller) fanOut(ctx context.Context, op string, peers []beacon.Peer, fn peerOp) error {
	byKind := make(map[beacon.Kind][]beacon.Peer)
	for _, p := range peers {
		byKind[p.Kind] = append(byKind[p.Kind], p)
	}

	agg := &beacon.PeersError{Op: op}
	for kind, group := range byKind {
		t, ok := c.transports[kind]
		if !ok {
			for _, p := range group {
				agg.Failures = append(agg.Failures, beacon.PeerFailure{Peer: p, Err: ErrNoTransport})
			}
			continue
		}
		err := fn(t, ctx, group)
		if err == nil {
			continue
		}
		var pe *beacon.PeersError
		if errors.As(err, &pe) {
			agg.Failures = append(agg.Failures, pe.Failures...)
			continue
		}
		for _, p := range group {
			agg.Failures = append(agg.Failures, beacon.PeerFailure{Peer: p, Err: err})
		}
	}
	if len(agg.Failures) > 0 {
		return agg
	}
	return nil
}
