// Package node runs one side of the fabric: it feeds messages from the
// connection controller through the message controller into a role
// handler, and keeps stored peers and transports in step.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/connection"
	"github.com/philsphicas/beacon/internal/message"
	"github.com/philsphicas/beacon/internal/storage"
)

const inboxSize = 64

var ErrClosed = errors.New("node closed")

// Handler is the role-specific part of a node. Its methods run on the
// node's goroutine, one at a time.
type Handler interface {
	HandleMessage(ctx context.Context, msg beacon.Message)
	// HandlePaired runs after a peer paired through Pair was stored and
	// connected.
	HandlePaired(ctx context.Context, peer beacon.Peer)
}

// Config holds parameters for a Node.
type Config struct {
	Connection *connection.Controller
	Messages   *message.Controller
	Storage    *storage.Extended
	SenderID   string
	// RejectMalformed answers documents that fail to decode with an error
	// response. Wallets set it; dApps drop such documents.
	RejectMalformed bool

	Logger *slog.Logger
}

type event struct {
	in     connection.Incoming
	paired *beacon.Peer
}

// Node is created stopped; Start runs it until Close.
type Node struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	inbox chan event

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	remove  []func()
}

// New returns a stopped node.
func New(cfg Config, h Handler) (*Node, error) {
	if cfg.Connection == nil || cfg.Messages == nil || cfg.Storage == nil {
		return nil, errors.New("node: connection, messages and storage are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Node{
		cfg:     cfg,
		handler: h,
		logger:  cfg.Logger,
		inbox:   make(chan event, inboxSize),
	}, nil
}

func (n *Node) SenderID() string { return n.cfg.SenderID }

func (n *Node) Storage() *storage.Extended { return n.cfg.Storage }

func (n *Node) Messages() *message.Controller { return n.cfg.Messages }

// Start connects the stored peers and the transports and starts handling
// messages. A transport that fails to start is logged; Start fails only
// when none started.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	conn := n.cfg.Connection
	peers, err := n.cfg.Storage.Peers(ctx)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}

	stopped := make(chan struct{})
	enqueue := func(ev event) {
		select {
		case n.inbox <- ev:
		case <-stopped:
		}
	}
	n.remove = []func(){
		conn.Listen(func(in connection.Incoming) { enqueue(event{in: in}) }),
		conn.ListenPairing(func(p beacon.Peer) { enqueue(event{paired: &p}) }),
	}

	if err := conn.Connect(ctx); err != nil {
		var te *connection.TransportsError
		if !errors.As(err, &te) || len(te.Failures) == len(conn.Kinds()) {
			n.removeListeners()
			_ = conn.Disconnect(context.WithoutCancel(ctx))
			return err
		}
		n.logger.Warn("some transports failed to start", "error", err)
	}
	if err := conn.OnNew(ctx, peers); err != nil {
		n.logger.Warn("some stored peers could not be connected", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel, n.stopped, n.done = cancel, stopped, make(chan struct{})
	n.running = true
	go n.loop(loopCtx, n.done)
	n.logger.Info("node started", "sender_id", n.cfg.SenderID, "peers", len(peers))
	return nil
}

// Close stops message handling and the transports.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.running = false
	close(n.stopped)
	n.cancel()
	<-n.done
	n.removeListeners()
	return n.cfg.Connection.Disconnect(ctx)
}

func (n *Node) removeListeners() {
	for _, r := range n.remove {
		r()
	}
	n.remove = nil
}

func (n *Node) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.inbox:
			if ev.paired != nil {
				n.paired(ctx, *ev.paired)
				continue
			}
			n.handle(ctx, ev.in)
		}
	}
}

func (n *Node) paired(ctx context.Context, peer beacon.Peer) {
	if err := n.AddPeer(ctx, peer); err != nil {
		n.logger.Warn("storing paired peer failed", "peer", peer, "error", err)
		return
	}
	n.handler.HandlePaired(ctx, peer)
}

func (n *Node) handle(ctx context.Context, in connection.Incoming) {
	logger := n.logger.With("origin", in.Origin)
	if in.Err != nil {
		logger.Warn("dropping undecodable message", "error", in.Err)
		return
	}

	msgs := n.cfg.Messages
	v, err := msgs.Decode(in.Content)
	if err == nil {
		var msg beacon.Message
		msg, err = msgs.OnIncoming(ctx, v, in.Origin)
		if err == nil {
			if _, ok := msg.(*beacon.Disconnect); ok {
				if err := n.RemovePeer(ctx, in.Origin); err != nil {
					logger.Warn("removing disconnected peer failed", "error", err)
				}
			}
			n.handler.HandleMessage(ctx, msg)
			return
		}
	}

	var npe *message.NoPendingRequestError
	switch {
	case errors.As(err, &npe), errors.Is(err, message.ErrDuplicateRequest):
		logger.Debug("ignoring message", "error", err)
		return
	}
	logger.Warn("rejecting message", "error", err)
	if !n.cfg.RejectMalformed {
		return
	}
	dest, reply, rerr := msgs.Reject(in.Content, in.Origin, message.RejectionType(err))
	if rerr != nil {
		logger.Debug("cannot answer message", "error", rerr)
		return
	}
	if err := n.cfg.Connection.Send(ctx, connection.Outgoing{Destination: dest, Message: reply}); err != nil {
		logger.Warn("sending rejection failed", "error", err)
	}
}

// Send encodes msg through the message controller and sends it.
func (n *Node) Send(ctx context.Context, msg beacon.Message, terminal bool) error {
	dest, v, err := n.cfg.Messages.OnOutgoing(ctx, msg, n.cfg.SenderID, terminal)
	if err != nil {
		return err
	}
	return n.cfg.Connection.Send(ctx, connection.Outgoing{Destination: dest, Message: v})
}

// Pair starts pairing over kind. The peer arrives through HandlePaired.
func (n *Node) Pair(ctx context.Context, kind beacon.Kind) (beacon.PairingRequest, error) {
	return n.cfg.Connection.Pair(ctx, kind)
}

// PairWith answers a pairing request and stores the resulting peer.
func (n *Node) PairWith(ctx context.Context, req beacon.PairingRequest) (beacon.Peer, error) {
	peer, err := n.cfg.Connection.PairWith(ctx, req)
	if err != nil {
		return beacon.Peer{}, err
	}
	if err := n.AddPeer(ctx, peer); err != nil {
		return beacon.Peer{}, err
	}
	return peer, nil
}

// AddPeer stores peer and connects it if it was not stored already.
func (n *Node) AddPeer(ctx context.Context, peer beacon.Peer) error {
	added, err := n.cfg.Storage.AddPeers(ctx, peer)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}
	return n.cfg.Connection.OnNew(ctx, added)
}

// RemovePeer forgets the peer routed under id: storage, transports and
// pending requests.
func (n *Node) RemovePeer(ctx context.Context, id beacon.ConnectionID) error {
	removed, err := n.cfg.Storage.RemovePeers(ctx, func(p beacon.Peer) bool { return p.ConnectionID() == id })
	n.cfg.Messages.Forget(id)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return nil
	}
	n.logger.Info("peer removed", "peers", removed)
	return n.cfg.Connection.OnDeleted(ctx, removed)
}

// Disconnect tells peer the session is over and removes it.
func (n *Node) Disconnect(ctx context.Context, peer beacon.Peer) error {
	msg := &beacon.Disconnect{Header: beacon.Header{Destination: peer.ConnectionID()}}
	sendErr := n.Send(ctx, msg, true)
	if err := n.RemovePeer(ctx, peer.ConnectionID()); err != nil {
		return errors.Join(sendErr, err)
	}
	return sendErr
}
