// Package p2p implements the peer-to-peer transport kind: end-to-end
// encrypted messages exchanged through direct rooms on a relay server,
// and the channel-open handshake that pairs a wallet with a dApp.
package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/crypto"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/philsphicas/beacon/internal/protocol"
	"github.com/philsphicas/beacon/internal/relay"
	"github.com/philsphicas/beacon/internal/transport"
)

var (
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrRoomDeclined = errors.New("relay declined to create a room")
)

// Config holds parameters for a P2P transport.
type Config struct {
	// Relay configures the relay client. Its KeyPair is the local
	// identity.
	Relay relay.Config

	// Name, Icon and AppURL describe the local party to peers it pairs
	// with.
	Name   string
	Icon   string
	AppURL string
	// Version is the protocol version advertised in pairing requests.
	// Default protocol.Latest.
	Version string

	Metrics *metrics.Metrics // optional; nil disables metrics
	Logger  *slog.Logger
}

type peerState struct {
	peer      beacon.Peer
	pub       ed25519.PublicKey
	recipient string
}

// Transport is the P2P transport.Impl.
type Transport struct {
	cfg      Config
	kp       crypto.KeyPair
	client   *relay.Client
	sessions *crypto.SessionCache
	logger   *slog.Logger
	rooms    singleflight.Group

	mu     sync.Mutex
	sink   transport.Sink
	ctx    context.Context // lifetime of the current Start
	cancel context.CancelFunc
	unsub  func()
	peers  map[string]*peerState // by lowercase hex public key
	roomOf map[string]string     // peer key -> room id
}

var (
	_ transport.Impl   = (*Transport)(nil)
	_ transport.Pairer = (*Transport)(nil)
)

// New returns a stopped P2P transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = protocol.Latest
	}
	if cfg.Relay.Logger == nil {
		cfg.Relay.Logger = cfg.Logger
	}
	if cfg.Relay.Metrics == nil {
		cfg.Relay.Metrics = cfg.Metrics
	}
	client, err := relay.NewClient(cfg.Relay)
	if err != nil {
		return nil, fmt.Errorf("p2p transport: %w", err)
	}
	return &Transport{
		cfg:      cfg,
		kp:       cfg.Relay.KeyPair,
		client:   client,
		sessions: crypto.NewSessionCache(cfg.Relay.KeyPair),
		logger:   cfg.Logger.With("relay", client.Server()),
		peers:    make(map[string]*peerState),
		roomOf:   make(map[string]string),
	}, nil
}

func (t *Transport) Kind() beacon.Kind { return beacon.KindP2P }

// Client returns the underlying relay client.
func (t *Transport) Client() *relay.Client { return t.client }

// Start logs in to the relay and starts listening. Invites are joined as
// they arrive.
func (t *Transport) Start(ctx context.Context, sink transport.Sink) error {
	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.sink = sink
	t.ctx, t.cancel = lifetime, cancel
	t.unsub = t.client.Subscribe(t.handle)
	t.mu.Unlock()

	if err := t.client.Start(ctx); err != nil {
		t.reset()
		return err
	}
	t.logger.Info("p2p transport started", "user", t.client.UserID())
	return nil
}

// Stop stops polling and forgets peers and rooms.
func (t *Transport) Stop(context.Context) error {
	t.client.Stop()
	t.reset()
	return nil
}

func (t *Transport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.ctx = nil
	t.sink = nil
	clear(t.peers)
	clear(t.roomOf)
}

// Pause stops polling but keeps peers and rooms.
func (t *Transport) Pause(context.Context) error {
	t.client.Stop()
	return nil
}

func (t *Transport) Resume(ctx context.Context) error {
	return t.client.Start(ctx)
}

// Connect starts accepting messages from peers.
func (t *Transport) Connect(_ context.Context, peers []beacon.Peer) error {
	pe := &beacon.PeersError{Op: "connect"}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		pub, err := crypto.ParsePublicKey(p.PublicKey)
		if err != nil {
			pe.Failures = append(pe.Failures, beacon.PeerFailure{Peer: p, Err: err})
			continue
		}
		key := strings.ToLower(p.PublicKey)
		t.peers[key] = &peerState{peer: p, pub: pub, recipient: crypto.RecipientFor(pub, p.RelayServer)}
		t.logger.Debug("listening to peer", "peer", p)
	}
	if len(pe.Failures) > 0 {
		return pe
	}
	return nil
}

// Disconnect stops accepting messages from peers.
func (t *Transport) Disconnect(_ context.Context, peers []beacon.Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		key := strings.ToLower(p.PublicKey)
		delete(t.peers, key)
		delete(t.roomOf, key)
	}
	return nil
}

// Send encrypts env for its destination peer and posts it in the room
// shared with that peer, creating one if needed.
func (t *Transport) Send(ctx context.Context, env protocol.OutboundEnvelope) error {
	key := strings.ToLower(env.Destination.ID)
	t.mu.Lock()
	ps, ok := t.peers[key]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, env.Destination)
	}

	keys, err := t.sessions.ServerKeys(ps.pub)
	if err != nil {
		return err
	}
	text, err := crypto.EncryptHex([]byte(env.Content), keys.Tx)
	if err != nil {
		return err
	}
	roomID, err := t.roomFor(ctx, key, ps.recipient)
	if err != nil {
		return err
	}
	if _, err := t.client.Send(ctx, roomID, text); err != nil {
		return err
	}
	return nil
}

// roomFor returns the room used to talk to recipient. Concurrent callers
// for one peer share a single lookup or creation.
func (t *Transport) roomFor(ctx context.Context, key, recipient string) (string, error) {
	t.mu.Lock()
	id, ok := t.roomOf[key]
	t.mu.Unlock()
	if ok {
		return id, nil
	}

	v, err, _ := t.rooms.Do(key, func() (any, error) {
		if room, ok := t.client.JoinedRoomWith(recipient); ok {
			return room.ID, nil
		}
		room, err := t.client.CreateDirectRoom(ctx, recipient)
		if err != nil {
			return "", err
		}
		if room == nil {
			return "", ErrRoomDeclined
		}
		return room.ID, nil
	})
	if err != nil {
		return "", err
	}
	id = v.(string)
	t.rememberRoom(key, id)
	return id, nil
}

func (t *Transport) rememberRoom(key, roomID string) {
	t.mu.Lock()
	t.roomOf[key] = roomID
	t.mu.Unlock()
}

func (t *Transport) identity() crypto.Identity {
	return crypto.Identity{
		ID:        uuid.NewString(),
		Name:      t.cfg.Name,
		PublicKey: t.kp.PublicKeyHex(),
		Icon:      t.cfg.Icon,
		AppURL:    t.cfg.AppURL,
	}
}

// Pair returns a pairing request for a wallet. The wallet's channel-open
// message arrives as a peer on the pairing stream.
func (t *Transport) Pair(context.Context) (beacon.PairingRequest, error) {
	id := t.identity()
	return beacon.PairingRequest{
		ID:          id.ID,
		Type:        crypto.PairingRequestType,
		Name:        id.Name,
		Version:     t.cfg.Version,
		PublicKey:   id.PublicKey,
		RelayServer: t.client.Server(),
		Icon:        id.Icon,
		AppURL:      id.AppURL,
	}, nil
}

// PairWith answers req by sealing the local identity to the dApp and
// sending it in a new room.
func (t *Transport) PairWith(ctx context.Context, req beacon.PairingRequest) (beacon.Peer, error) {
	peer, err := req.Peer()
	if err != nil {
		return beacon.Peer{}, err
	}
	pub, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		return beacon.Peer{}, err
	}
	payload, err := crypto.PairingPayload(req.Version, t.identity(), t.client.Server())
	if err != nil {
		return beacon.Peer{}, err
	}
	sealed, err := crypto.SealForPeer(payload, pub)
	if err != nil {
		return beacon.Peer{}, err
	}

	recipient := crypto.RecipientFor(pub, req.RelayServer)
	room, err := t.client.CreateDirectRoom(ctx, recipient)
	if err != nil {
		return beacon.Peer{}, err
	}
	if room == nil {
		return beacon.Peer{}, ErrRoomDeclined
	}
	if _, err := t.client.Send(ctx, room.ID, channelOpenMessage(recipient, sealed)); err != nil {
		return beacon.Peer{}, err
	}
	t.rememberRoom(strings.ToLower(req.PublicKey), room.ID)
	t.cfg.Metrics.PairingCompleted("wallet")
	t.logger.Info("sent channel-open", "peer", peer, "room", room.ID)
	return peer, nil
}

// handle runs on the relay sync goroutine.
func (t *Transport) handle(ev relay.Event) {
	switch ev.Kind {
	case relay.EventInvite:
		t.join(ev)
	case relay.EventText:
		t.receive(ev)
	}
}

func (t *Transport) join(ev relay.Event) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := t.client.JoinRoom(ctx, ev.RoomID); err != nil {
		t.logger.Warn("failed to join room", "room", ev.RoomID, "inviter", ev.Sender, "error", err)
		return
	}
	t.logger.Debug("joined room", "room", ev.RoomID, "inviter", ev.Sender)
}

func (t *Transport) receive(ev relay.Event) {
	if crypto.IsOwnMessage(ev.Sender, t.kp.Public) {
		return
	}
	if strings.HasPrefix(ev.Body, channelOpenPrefix) {
		t.channelOpen(ev)
		return
	}
	if !crypto.LooksEncrypted(ev.Body) {
		t.logger.Debug("ignoring plaintext message", "room", ev.RoomID, "sender", ev.Sender)
		return
	}

	t.mu.Lock()
	sink := t.sink
	var from *peerState
	var key string
	for k, ps := range t.peers {
		if crypto.IsOwnMessage(ev.Sender, ps.pub) {
			from, key = ps, k
			break
		}
	}
	t.mu.Unlock()
	if from == nil || sink == nil {
		t.logger.Debug("ignoring message from unknown sender", "room", ev.RoomID, "sender", ev.Sender)
		return
	}

	keys, err := t.sessions.ClientKeys(from.pub)
	if err != nil {
		t.logger.Warn("failed to derive session keys", "peer", from.peer, "error", err)
		return
	}
	plain, err := crypto.DecryptHex(ev.Body, keys.Rx)
	if err != nil {
		t.logger.Warn("failed to decrypt message", "peer", from.peer, "room", ev.RoomID, "error", err)
		t.cfg.Metrics.MessageError(metrics.ReasonDecryptFailed)
		return
	}
	t.rememberRoom(key, ev.RoomID)
	sink.Message(protocol.InboundEnvelope{Origin: from.peer.ConnectionID(), Content: string(plain)})
}

func (t *Transport) channelOpen(ev relay.Event) {
	sealed, err := parseChannelOpen(ev.Body, crypto.UserID(t.kp.Public))
	if err != nil {
		t.logger.Debug("ignoring channel-open message", "room", ev.RoomID, "error", err)
		return
	}
	plain, err := crypto.OpenSealed(sealed, t.kp)
	if err != nil {
		t.logger.Warn("failed to open pairing response", "room", ev.RoomID, "error", err)
		t.cfg.Metrics.MessageError(metrics.ReasonDecryptFailed)
		return
	}
	resp, err := crypto.ParsePairingPayload(plain, serverOf(ev.Sender))
	if err != nil {
		t.logger.Warn("invalid pairing response", "room", ev.RoomID, "error", err)
		return
	}
	peer := beacon.Peer{
		Kind:        beacon.KindP2P,
		ID:          resp.ID,
		Name:        resp.Name,
		PublicKey:   resp.PublicKey,
		RelayServer: resp.RelayServer,
		Version:     resp.Version,
		Icon:        resp.Icon,
		AppURL:      resp.AppURL,
	}
	t.rememberRoom(strings.ToLower(peer.PublicKey), ev.RoomID)

	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return
	}
	t.cfg.Metrics.PairingCompleted("dapp")
	sink.Pairing(peer)
}
