// Package dapp implements the dApp role: it shows pairing requests, sends
// requests to paired wallets and waits for their responses.
package dapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/connection"
	"github.com/philsphicas/beacon/internal/message"
	"github.com/philsphicas/beacon/internal/node"
	"github.com/philsphicas/beacon/internal/storage"
)

var ErrNoPeers = errors.New("no paired wallets")

// RequestError is returned when a wallet answers with an error response.
type RequestError struct {
	ErrorType   string
	Description string
}

func (e *RequestError) Error() string {
	if e.Description == "" {
		return "wallet returned " + e.ErrorType
	}
	return fmt.Sprintf("wallet returned %s: %s", e.ErrorType, e.Description)
}

// Config holds dApp configuration.
type Config struct {
	Connection *connection.Controller
	Messages   *message.Controller
	Storage    *storage.Extended
	SenderID   string
	// Name and Icon describe the app in permission requests.
	Name   string
	Icon   string
	Logger *slog.Logger
	// OnAcknowledge, if set, is called when a wallet acknowledges a
	// request.
	OnAcknowledge func(id string)
}

// DApp is the dApp side of the fabric.
type DApp struct {
	*node.Node
	cfg    Config
	logger *slog.Logger
	paired chan beacon.Peer

	mu      sync.Mutex
	waiters map[string]chan beacon.Response
}

// New returns a stopped dApp.
func New(cfg Config) (*DApp, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &DApp{
		cfg:     cfg,
		logger:  cfg.Logger,
		paired:  make(chan beacon.Peer, 4),
		waiters: make(map[string]chan beacon.Response),
	}
	n, err := node.New(node.Config{
		Connection: cfg.Connection,
		Messages:   cfg.Messages,
		Storage:    cfg.Storage,
		SenderID:   cfg.SenderID,
		Logger:     cfg.Logger,
	}, d)
	if err != nil {
		return nil, err
	}
	d.Node = n
	return d, nil
}

// AppMetadata describes this app.
func (d *DApp) AppMetadata() beacon.AppMetadata {
	return beacon.AppMetadata{SenderID: d.cfg.SenderID, Name: d.cfg.Name, Icon: d.cfg.Icon}
}

// WaitPaired returns the next wallet that completed pairing.
func (d *DApp) WaitPaired(ctx context.Context) (beacon.Peer, error) {
	select {
	case p := <-d.paired:
		return p, nil
	case <-ctx.Done():
		return beacon.Peer{}, ctx.Err()
	}
}

// Request sends req to req.Head().Destination and waits for the terminal
// response. An error response is returned together with a *RequestError.
func (d *DApp) Request(ctx context.Context, req beacon.Request) (beacon.Response, error) {
	h := req.Head()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	ch := make(chan beacon.Response, 4)
	d.mu.Lock()
	if _, dup := d.waiters[h.ID]; dup {
		d.mu.Unlock()
		return nil, fmt.Errorf("request %s: %w", h.ID, message.ErrDuplicateRequest)
	}
	d.waiters[h.ID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, h.ID)
		d.mu.Unlock()
	}()

	if err := d.Send(ctx, req, false); err != nil {
		return nil, fmt.Errorf("send request %s: %w", h.ID, err)
	}
	d.logger.Debug("request sent", "request", h.ID, "destination", h.Destination)

	for {
		select {
		case resp := <-ch:
			switch resp := resp.(type) {
			case *beacon.AcknowledgeResponse:
				if d.cfg.OnAcknowledge != nil {
					d.cfg.OnAcknowledge(h.ID)
				}
				continue
			case *beacon.ErrorResponse:
				return resp, &RequestError{ErrorType: resp.ErrorType, Description: resp.Description}
			}
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RequestPermission asks peer for the permission described by payload.
func (d *DApp) RequestPermission(ctx context.Context, peer beacon.Peer, payload beacon.Payload) (*beacon.PermissionResponse, error) {
	req := &beacon.PermissionRequest{
		Header:      beacon.Header{Destination: peer.ConnectionID()},
		AppMetadata: d.AppMetadata(),
		Payload:     payload,
	}
	resp, err := d.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	pr, ok := resp.(*beacon.PermissionResponse)
	if !ok {
		return nil, fmt.Errorf("permission request %s answered with %T", req.ID, resp)
	}
	return pr, nil
}

func (d *DApp) HandleMessage(_ context.Context, msg beacon.Message) {
	switch msg := msg.(type) {
	case beacon.Response:
		d.mu.Lock()
		ch, ok := d.waiters[msg.Head().ID]
		d.mu.Unlock()
		if !ok {
			d.logger.Debug("response for abandoned request", "request", msg.Head().ID)
			return
		}
		select {
		case ch <- msg:
		default:
			d.logger.Warn("dropping response, waiter is full", "request", msg.Head().ID)
		}
	case *beacon.Disconnect:
		d.logger.Info("wallet disconnected", "origin", msg.Origin)
	default:
		d.logger.Debug("ignoring unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (d *DApp) HandlePaired(_ context.Context, peer beacon.Peer) {
	select {
	case d.paired <- peer:
	default:
		d.logger.Warn("dropping pairing notification, nobody is waiting", "peer", peer)
	}
}

// Peer returns the only stored peer, for single-wallet sessions.
func (d *DApp) Peer(ctx context.Context) (beacon.Peer, error) {
	peers, err := d.Storage().Peers(ctx)
	if err != nil {
		return beacon.Peer{}, err
	}
	switch len(peers) {
	case 0:
		return beacon.Peer{}, ErrNoPeers
	case 1:
		return peers[0], nil
	}
	return beacon.Peer{}, fmt.Errorf("%d paired wallets, pick one", len(peers))
}
