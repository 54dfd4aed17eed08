// Package wallet implements the wallet role: it answers pairing requests,
// acknowledges every request it receives, checks the sending app against
// an allowlist and hands the request to a RequestHandler for the final
// response.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain/tezos"
	"github.com/philsphicas/beacon/internal/connection"
	"github.com/philsphicas/beacon/internal/message"
	"github.com/philsphicas/beacon/internal/node"
	"github.com/philsphicas/beacon/internal/storage"
)

// RequestHandler produces the terminal response to req. Returning an error
// sends an ABORTED_ERROR response carrying its text.
type RequestHandler func(ctx context.Context, req beacon.Request) (beacon.Response, error)

// Config holds wallet configuration.
type Config struct {
	Connection *connection.Controller
	Messages   *message.Controller
	Storage    *storage.Extended
	SenderID   string
	Handler    RequestHandler
	// AllowList limits which apps may send requests. Entries are a sender
	// id, a glob over the app name, or "*". Empty allows every app.
	AllowList []string
	Logger    *slog.Logger
}

// Wallet is the wallet side of the fabric.
type Wallet struct {
	*node.Node
	cfg    Config
	logger *slog.Logger
}

// New returns a stopped wallet.
func New(cfg Config) (*Wallet, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		return nil, errors.New("wallet: request handler is required")
	}
	if len(cfg.AllowList) == 0 {
		cfg.Logger.Warn("no allowlist configured, requests from every app will be handled")
	}
	w := &Wallet{cfg: cfg, logger: cfg.Logger}
	n, err := node.New(node.Config{
		Connection:      cfg.Connection,
		Messages:        cfg.Messages,
		Storage:         cfg.Storage,
		SenderID:        cfg.SenderID,
		RejectMalformed: true,
		Logger:          cfg.Logger,
	}, w)
	if err != nil {
		return nil, err
	}
	w.Node = n
	return w, nil
}

// Serve starts the wallet and blocks until ctx is cancelled.
func (w *Wallet) Serve(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Close(context.WithoutCancel(ctx))
}

func (w *Wallet) HandleMessage(ctx context.Context, msg beacon.Message) {
	switch msg := msg.(type) {
	case beacon.Request:
		w.handleRequest(ctx, msg)
	case *beacon.Disconnect:
		w.logger.Info("peer disconnected", "origin", msg.Origin)
	default:
		w.logger.Debug("ignoring unexpected message", "type", fmt.Sprintf("%T", msg), "origin", msg.Head().Origin)
	}
}

func (w *Wallet) HandlePaired(_ context.Context, peer beacon.Peer) {
	w.logger.Info("peer paired", "peer", peer)
}

func (w *Wallet) handleRequest(ctx context.Context, req beacon.Request) {
	h := req.Head()
	logger := w.logger.With("request", h.ID, "origin", h.Origin)

	dest, ack, err := w.Messages().Acknowledge(ctx, req)
	var ume *beacon.UnsupportedMessageError
	switch {
	case errors.As(err, &ume):
		// Version 1 peers are never acknowledged.
	case err != nil:
		logger.Warn("acknowledge failed", "error", err)
	default:
		if err := w.cfg.Connection.Send(ctx, connection.Outgoing{Destination: dest, Message: ack}); err != nil {
			logger.Warn("sending acknowledge failed", "error", err)
		}
	}

	resp := w.respond(ctx, req)
	resp.Head().ID = h.ID
	if err := w.Send(ctx, resp, true); err != nil {
		logger.Warn("sending response failed", "error", err)
		return
	}
	logger.Info("request answered", "response", fmt.Sprintf("%T", resp))
}

func (w *Wallet) respond(ctx context.Context, req beacon.Request) beacon.Response {
	h := req.Head()
	app, err := w.appFor(ctx, req)
	if err != nil {
		return errorResponse(beacon.ErrorUnknown, err.Error())
	}
	if len(w.cfg.AllowList) > 0 && !isAllowed(app, w.cfg.AllowList) {
		w.logger.Warn("app not allowed", "sender", h.SenderID, "app", app.Name)
		return errorResponse(beacon.ErrorNotGranted, "app not allowed")
	}
	resp, err := w.cfg.Handler(ctx, req)
	if err != nil {
		return errorResponse(beacon.ErrorAborted, err.Error())
	}
	if resp == nil {
		return errorResponse(beacon.ErrorAborted, "request not answered")
	}
	return resp
}

// appFor returns the metadata of the app behind req. Permission requests
// carry it; later requests find it in storage.
func (w *Wallet) appFor(ctx context.Context, req beacon.Request) (beacon.AppMetadata, error) {
	if pr, ok := req.(*beacon.PermissionRequest); ok {
		return pr.AppMetadata, nil
	}
	app, ok, err := w.Storage().AppMetadataFor(ctx, req.Head().SenderID)
	if err != nil {
		return beacon.AppMetadata{}, err
	}
	if !ok {
		app = beacon.AppMetadata{SenderID: req.Head().SenderID}
	}
	return app, nil
}

func errorResponse(errorType, description string) *beacon.ErrorResponse {
	return &beacon.ErrorResponse{ErrorType: errorType, Description: description}
}

// isAllowed checks app against the allowlist. Entries can be:
//   - "*": allow every app
//   - a sender id: exact match
//   - a glob such as "Demo*": matched against the app name
func isAllowed(app beacon.AppMetadata, allowList []string) bool {
	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "*":
			return true
		case entry == "":
			continue
		case entry == app.SenderID:
			return true
		}
		if app.Name == "" {
			continue
		}
		if ok, err := path.Match(entry, app.Name); err == nil && ok {
			return true
		}
	}
	return false
}

// AutoApprove answers permission requests with account and rejects every
// other request. It is meant for demos and tests.
func AutoApprove(account tezos.PermissionResponse) RequestHandler {
	return func(_ context.Context, req beacon.Request) (beacon.Response, error) {
		pr, ok := req.(*beacon.PermissionRequest)
		if !ok {
			return nil, errors.New("only permission requests are approved automatically")
		}
		grant := account
		if p, ok := pr.Payload.(*tezos.PermissionRequest); ok {
			grant.Network = p.Network
			grant.Scopes = p.Scopes
		}
		return &beacon.PermissionResponse{Payload: &grant}, nil
	}
}
