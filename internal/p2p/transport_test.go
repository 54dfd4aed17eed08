package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/crypto"
	"github.com/philsphicas/beacon/internal/protocol"
	"github.com/philsphicas/beacon/internal/relay"
	"github.com/philsphicas/beacon/internal/relay/relaytest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type chanSink struct {
	messages chan protocol.InboundEnvelope
	pairings chan beacon.Peer
}

func newSink() *chanSink {
	return &chanSink{
		messages: make(chan protocol.InboundEnvelope, 16),
		pairings: make(chan beacon.Peer, 4),
	}
}

func (s *chanSink) Message(env protocol.InboundEnvelope) { s.messages <- env }
func (s *chanSink) Pairing(peer beacon.Peer)             { s.pairings <- peer }

func relayConfig(t *testing.T, server string) relay.Config {
	t.Helper()
	kp, err := crypto.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return relay.Config{
		Server:       server,
		KeyPair:      kp,
		PollInterval: time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
		Logger:       discardLogger(),
	}
}

func startTransport(t *testing.T, srv *relaytest.Server, name string) (*Transport, *chanSink) {
	t.Helper()
	tr, err := New(Config{Relay: relayConfig(t, srv.URL), Name: name, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := newSink()
	if err := tr.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start %s: %v", name, err)
	}
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr, sink
}

func recvMessage(t *testing.T, s *chanSink) protocol.InboundEnvelope {
	t.Helper()
	select {
	case env := <-s.messages:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.InboundEnvelope{}
	}
}

func TestPairAndExchange(t *testing.T) {
	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)
	ctx := context.Background()

	dapp, dappSink := startTransport(t, srv, "dapp")
	wallet, walletSink := startTransport(t, srv, "wallet")

	req, err := dapp.Pair(ctx)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if req.Type != crypto.PairingRequestType || req.RelayServer != srv.Host || req.Version != protocol.Latest {
		t.Errorf("pairing request = %+v", req)
	}

	dappPeer, err := wallet.PairWith(ctx, req)
	if err != nil {
		t.Fatalf("PairWith: %v", err)
	}
	if err := wallet.Connect(ctx, []beacon.Peer{dappPeer}); err != nil {
		t.Fatalf("wallet Connect: %v", err)
	}

	var walletPeer beacon.Peer
	select {
	case walletPeer = <-dappSink.pairings:
	case <-time.After(5 * time.Second):
		t.Fatal("dApp did not see the channel-open message")
	}
	if walletPeer.PublicKey != wallet.kp.PublicKeyHex() || walletPeer.Name != "wallet" || walletPeer.RelayServer != srv.Host {
		t.Errorf("paired peer = %+v", walletPeer)
	}
	if err := dapp.Connect(ctx, []beacon.Peer{walletPeer}); err != nil {
		t.Fatalf("dApp Connect: %v", err)
	}

	if err := dapp.Send(ctx, protocol.OutboundEnvelope{Destination: walletPeer.ConnectionID(), Content: "hello wallet"}); err != nil {
		t.Fatalf("dApp Send: %v", err)
	}
	got := recvMessage(t, walletSink)
	if got.Content != "hello wallet" || got.Origin != dappPeer.ConnectionID() {
		t.Errorf("wallet received %+v", got)
	}

	if err := wallet.Send(ctx, protocol.OutboundEnvelope{Destination: dappPeer.ConnectionID(), Content: "hello dapp"}); err != nil {
		t.Fatalf("wallet Send: %v", err)
	}
	got = recvMessage(t, dappSink)
	if got.Content != "hello dapp" || got.Origin != walletPeer.ConnectionID() {
		t.Errorf("dApp received %+v", got)
	}

	// Both directions reuse the channel-open room and never carry plaintext.
	wallet.mu.Lock()
	room := wallet.roomOf[strings.ToLower(dappPeer.PublicKey)]
	wallet.mu.Unlock()
	msgs := srv.Messages(room)
	if len(msgs) != 3 {
		t.Fatalf("room has %d messages, want channel-open plus two", len(msgs))
	}
	for _, m := range msgs[1:] {
		if strings.Contains(m, "hello") || !crypto.LooksEncrypted(m) {
			t.Errorf("relay saw unencrypted content %q", m)
		}
	}
}

func TestDecryptFailureIsDropped(t *testing.T) {
	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)
	ctx := context.Background()

	dapp, sink := startTransport(t, srv, "dapp")

	cfg := relayConfig(t, srv.URL)
	other, err := relay.NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Login(ctx); err != nil {
		t.Fatal(err)
	}
	peer := beacon.Peer{Kind: beacon.KindP2P, Name: "other", PublicKey: cfg.KeyPair.PublicKeyHex(), RelayServer: srv.Host}
	if err := dapp.Connect(ctx, []beacon.Peer{peer}); err != nil {
		t.Fatal(err)
	}

	room, err := other.CreateDirectRoom(ctx, dapp.Client().UserID())
	if err != nil || room == nil {
		t.Fatalf("CreateDirectRoom: %v", err)
	}

	var wrongKey [32]byte
	bad, _ := crypto.EncryptHex([]byte("forged"), wrongKey)
	if _, err := other.Send(ctx, room.ID, bad); err != nil {
		t.Fatal(err)
	}
	if _, err := other.Send(ctx, room.ID, "not encrypted"); err != nil {
		t.Fatal(err)
	}
	keys, err := crypto.NewSessionCache(cfg.KeyPair).ServerKeys(dapp.kp.Public)
	if err != nil {
		t.Fatal(err)
	}
	good, _ := crypto.EncryptHex([]byte("genuine"), keys.Tx)
	if _, err := other.Send(ctx, room.ID, good); err != nil {
		t.Fatal(err)
	}

	got := recvMessage(t, sink)
	if got.Content != "genuine" {
		t.Errorf("first delivered message = %q, want genuine", got.Content)
	}
}

func TestSendUnknownPeer(t *testing.T) {
	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)
	tr, _ := startTransport(t, srv, "dapp")

	err := tr.Send(context.Background(), protocol.OutboundEnvelope{Destination: beacon.ConnectionID{Kind: beacon.KindP2P, ID: "abcd"}})
	if !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestConnectReportsInvalidKeys(t *testing.T) {
	tr, err := New(Config{Relay: relayConfig(t, "relay.example.com"), Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	good := beacon.Peer{Kind: beacon.KindP2P, Name: "good", PublicKey: tr.kp.PublicKeyHex(), RelayServer: "r"}
	bad := beacon.Peer{Kind: beacon.KindP2P, Name: "bad", PublicKey: "zz", RelayServer: "r"}

	err = tr.Connect(context.Background(), []beacon.Peer{good, bad})
	var pe *beacon.PeersError
	if !errors.As(err, &pe) || len(pe.Failures) != 1 || pe.Failures[0].Peer != bad {
		t.Fatalf("expected PeersError naming bad, got %v", err)
	}
	if _, ok := tr.peers[strings.ToLower(good.PublicKey)]; !ok {
		t.Error("good peer should be connected")
	}
}

func TestPauseResumeKeepsPeers(t *testing.T) {
	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)
	ctx := context.Background()
	tr, _ := startTransport(t, srv, "dapp")

	peer := beacon.Peer{Kind: beacon.KindP2P, PublicKey: tr.kp.PublicKeyHex(), RelayServer: srv.Host}
	if err := tr.Connect(ctx, []beacon.Peer{peer}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.Client().Polling() {
		t.Error("paused transport should not poll")
	}
	if err := tr.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if !tr.Client().Polling() {
		t.Error("resumed transport should poll")
	}
	if len(tr.peers) != 1 {
		t.Errorf("peers after resume = %d, want 1", len(tr.peers))
	}
}
