// Package message converts between wire messages and the internal model
// and keeps the pending-request tables that correlate responses with the
// requests they answer.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/philsphicas/beacon/internal/protocol"
	"github.com/philsphicas/beacon/internal/storage"
)

var (
	ErrDuplicateRequest = errors.New("request id already pending")
	ErrNoDestination    = errors.New("message has no destination")
)

// NoPendingRequestError is returned for a response whose id matches no
// pending request.
type NoPendingRequestError struct {
	ID string
}

func (e *NoPendingRequestError) Error() string {
	return fmt.Sprintf("no pending request with id %q", e.ID)
}

// Config holds parameters for a Controller.
type Config struct {
	Registry *blockchain.Registry
	Storage  *storage.Extended
	// SenderID identifies this side in generated messages.
	SenderID string

	Metrics *metrics.Metrics // optional; nil disables metrics
	Logger  *slog.Logger
}

type pending struct {
	req     beacon.Request
	version string
}

// Controller is safe for concurrent use.
type Controller struct {
	reg      *blockchain.Registry
	store    *storage.Extended
	senderID string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu sync.Mutex
	// received holds requests from peers awaiting our responses; sent
	// holds our requests awaiting theirs.
	received map[string]pending
	sent     map[string]pending
}

// New returns a controller with empty pending tables.
func New(cfg Config) (*Controller, error) {
	if cfg.Registry == nil || cfg.Storage == nil {
		return nil, errors.New("message controller: registry and storage are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		reg:      cfg.Registry,
		store:    cfg.Storage,
		senderID: cfg.SenderID,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		received: make(map[string]pending),
		sent:     make(map[string]pending),
	}, nil
}

// Decode peeks the version of raw and decodes it with that version's
// schema.
func (c *Controller) Decode(raw []byte) (protocol.Versioned, error) {
	v, err := protocol.Decode(raw, c.reg)
	if err != nil {
		c.metrics.MessageError(metrics.ReasonDecodeFailed)
		return protocol.Versioned{}, err
	}
	return v, nil
}

// OnIncoming converts v into the internal model. Requests enter the
// received table and permission requests store the sender's app metadata.
// Responses must answer a request this side sent and name its blockchain;
// terminal responses remove the request.
func (c *Controller) OnIncoming(ctx context.Context, v protocol.Versioned, origin beacon.ConnectionID) (beacon.Message, error) {
	msg, err := protocol.ToBeacon(v, c.reg, origin)
	if err != nil {
		c.metrics.MessageError(metrics.ReasonDecodeFailed)
		return nil, fmt.Errorf("convert %s message %s: %w", v.Version(), v.ID(), err)
	}
	c.metrics.MessageIn(v.Version(), v.Type())

	switch msg := msg.(type) {
	case beacon.Request:
		if pr, ok := msg.(*beacon.PermissionRequest); ok {
			if err := c.store.AddAppMetadata(ctx, pr.AppMetadata); err != nil {
				return nil, err
			}
		}
		if err := c.track(c.received, msg, v.Version()); err != nil {
			return nil, err
		}
	case beacon.Response:
		if err := c.onResponse(ctx, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (c *Controller) onResponse(ctx context.Context, resp beacon.Response) error {
	h := resp.Head()
	c.mu.Lock()
	p, ok := c.sent[h.ID]
	if ok && !isAcknowledge(resp) {
		delete(c.sent, h.ID)
	}
	c.updatePendingLocked()
	c.mu.Unlock()
	if !ok {
		c.metrics.MessageError(metrics.ReasonNoPending)
		return &NoPendingRequestError{ID: h.ID}
	}

	want := p.req.Head().Blockchain
	if h.Blockchain != "" && want != "" && h.Blockchain != want {
		return &beacon.UnexpectedBlockchainIdentifierError{Expected: want, Got: h.Blockchain}
	}
	if h.Blockchain == "" {
		h.Blockchain = want
	}

	if pr, ok := resp.(*beacon.PermissionResponse); ok {
		if req, ok := p.req.(*beacon.PermissionRequest); ok {
			return c.storePermission(ctx, req, pr)
		}
	}
	return nil
}

// OnOutgoing stamps msg with senderID and encodes it for its destination.
//
// A response must answer a received request: it goes to that request's
// origin in that request's version, and terminal removes the request. A
// request or disconnect goes to msg.Head().Destination in the version the
// stored peer advertised; requests are remembered for correlation.
func (c *Controller) OnOutgoing(ctx context.Context, msg beacon.Message, senderID string, terminal bool) (beacon.ConnectionID, protocol.Versioned, error) {
	h := msg.Head()
	h.SenderID = senderID

	var (
		dest     beacon.ConnectionID
		version  string
		answered beacon.Request
	)
	switch msg.(type) {
	case beacon.Response:
		// A terminal response claims the request before any I/O.
		c.mu.Lock()
		p, ok := c.received[h.ID]
		if ok && terminal {
			delete(c.received, h.ID)
			c.updatePendingLocked()
		}
		c.mu.Unlock()
		if !ok {
			c.metrics.MessageError(metrics.ReasonNoPending)
			return beacon.ConnectionID{}, protocol.Versioned{}, &NoPendingRequestError{ID: h.ID}
		}
		dest, version = p.req.Head().Origin, p.version
		h.Destination = dest
		if h.Blockchain == "" {
			h.Blockchain = p.req.Head().Blockchain
		}
		answered = p.req
	default:
		if h.Destination == (beacon.ConnectionID{}) {
			return beacon.ConnectionID{}, protocol.Versioned{}, ErrNoDestination
		}
		dest = h.Destination
		var err error
		if version, err = c.peerVersion(ctx, dest); err != nil {
			return beacon.ConnectionID{}, protocol.Versioned{}, err
		}
		if h.ID == "" {
			h.ID = uuid.NewString()
		}
		if p := payloadOf(msg); h.Blockchain == "" && p != nil {
			h.Blockchain = p.Blockchain()
		}
	}

	v, err := protocol.FromBeacon(version, msg, c.reg)
	if err != nil {
		c.metrics.MessageError(metrics.ReasonUnsupported)
		c.release(answered, version, terminal)
		return beacon.ConnectionID{}, protocol.Versioned{}, fmt.Errorf("encode %T for %s: %w", msg, dest, err)
	}

	switch m := msg.(type) {
	case beacon.Response:
		if pr, ok := m.(*beacon.PermissionResponse); ok {
			if req, ok := answered.(*beacon.PermissionRequest); ok {
				if err := c.storePermission(ctx, req, pr); err != nil {
					c.release(answered, version, terminal)
					return beacon.ConnectionID{}, protocol.Versioned{}, err
				}
			}
		}
	case beacon.Request:
		if err := c.track(c.sent, m, v.Version()); err != nil {
			return beacon.ConnectionID{}, protocol.Versioned{}, err
		}
	}
	c.metrics.MessageOut(v.Version(), v.Type())
	return dest, v, nil
}

// release puts back a request claimed by a terminal response that could
// not be sent.
func (c *Controller) release(req beacon.Request, version string, terminal bool) {
	if req == nil || !terminal {
		return
	}
	c.mu.Lock()
	if _, ok := c.received[req.Head().ID]; !ok {
		c.received[req.Head().ID] = pending{req: req, version: version}
	}
	c.updatePendingLocked()
	c.mu.Unlock()
}

// Acknowledge builds the acknowledgement of a received request. The
// request stays pending. Version 1 has no acknowledgement and fails with
// *beacon.UnsupportedMessageError.
func (c *Controller) Acknowledge(ctx context.Context, req beacon.Request) (beacon.ConnectionID, protocol.Versioned, error) {
	ack := &beacon.AcknowledgeResponse{Header: beacon.Header{ID: req.Head().ID}}
	return c.OnOutgoing(ctx, ack, c.senderID, false)
}

// Reject builds an error response to raw, a document from origin that
// could not be handled. The response uses the document's id and version;
// an unreadable version falls back to the latest.
func (c *Controller) Reject(raw []byte, origin beacon.ConnectionID, errorType string) (beacon.ConnectionID, protocol.Versioned, error) {
	var peek struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil || peek.ID == "" {
		return beacon.ConnectionID{}, protocol.Versioned{}, errors.New("reject: document has no id")
	}
	version, err := protocol.PeekVersion(raw)
	if err != nil || !supported(version) {
		version = protocol.Latest
	}

	c.mu.Lock()
	delete(c.received, peek.ID)
	c.updatePendingLocked()
	c.mu.Unlock()

	resp := &beacon.ErrorResponse{
		Header:    beacon.Header{ID: peek.ID, SenderID: c.senderID, Destination: origin},
		ErrorType: errorType,
	}
	v, err := protocol.FromBeacon(version, resp, c.reg)
	if err != nil {
		return beacon.ConnectionID{}, protocol.Versioned{}, fmt.Errorf("encode rejection: %w", err)
	}
	c.metrics.MessageOut(v.Version(), v.Type())
	return origin, v, nil
}

// RejectionType picks the error type reported for a message that failed
// with err.
func RejectionType(err error) string {
	var ute *beacon.UnknownMessageTypeError
	if errors.As(err, &ute) {
		return beacon.ErrorUnknown
	}
	return beacon.ErrorParametersInvalid
}

// Pending returns the received requests still awaiting a terminal
// response.
func (c *Controller) Pending() []beacon.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]beacon.Request, 0, len(c.received))
	for _, p := range c.received {
		out = append(out, p.req)
	}
	return out
}

// Forget drops every pending request exchanged with origin.
func (c *Controller) Forget(origin beacon.ConnectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.received {
		if p.req.Head().Origin == origin {
			delete(c.received, id)
		}
	}
	for id, p := range c.sent {
		if p.req.Head().Destination == origin {
			delete(c.sent, id)
		}
	}
	c.updatePendingLocked()
}

func (c *Controller) track(table map[string]pending, req beacon.Request, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := req.Head().ID
	if _, dup := table[id]; dup {
		return fmt.Errorf("track request %s: %w", id, ErrDuplicateRequest)
	}
	table[id] = pending{req: req, version: version}
	c.updatePendingLocked()
	return nil
}

func (c *Controller) updatePendingLocked() {
	c.metrics.SetPendingRequests(len(c.received) + len(c.sent))
}

func (c *Controller) storePermission(ctx context.Context, req *beacon.PermissionRequest, resp *beacon.PermissionResponse) error {
	codec, err := c.reg.Get(resp.Payload.Blockchain())
	if err != nil {
		return err
	}
	perm, err := codec.ExtractPermission(req, resp)
	if err != nil {
		return fmt.Errorf("extract permission: %w", err)
	}
	if err := c.store.AddPermissions(ctx, perm); err != nil {
		return err
	}
	c.logger.Info("permission granted", "account", perm.AccountID, "sender", perm.SenderID)
	return nil
}

// peerVersion is the protocol version the stored peer behind dest
// advertised, or the latest if it advertised none.
func (c *Controller) peerVersion(ctx context.Context, dest beacon.ConnectionID) (string, error) {
	peer, ok, err := c.store.PeerByConnection(ctx, dest)
	if err != nil {
		return "", err
	}
	if !ok || peer.Version == "" {
		return protocol.Latest, nil
	}
	return protocol.MajorVersion(peer.Version), nil
}

func payloadOf(msg beacon.Message) beacon.Payload {
	switch m := msg.(type) {
	case *beacon.PermissionRequest:
		return m.Payload
	case *beacon.BlockchainRequest:
		return m.Payload
	}
	return nil
}

func isAcknowledge(resp beacon.Response) bool {
	_, ok := resp.(*beacon.AcknowledgeResponse)
	return ok
}

func supported(version string) bool {
	return slices.Contains(protocol.Versions, protocol.MajorVersion(version))
}
