package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/metrics"
	"github.com/philsphicas/beacon/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeImpl records calls and lets tests inject failures and deliveries.
type fakeImpl struct {
	mu       sync.Mutex
	calls    []string
	sink     Sink
	startErr error
	// onStart runs inside Start, after the sink is stored.
	onStart func(Sink)
	failPeer string // public key Connect rejects
	sent     []protocol.OutboundEnvelope
}

func (f *fakeImpl) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeImpl) Kind() beacon.Kind { return beacon.KindP2P }

func (f *fakeImpl) Start(_ context.Context, sink Sink) error {
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	f.sink = sink
	if f.onStart != nil {
		f.onStart(sink)
	}
	return nil
}

func (f *fakeImpl) Stop(context.Context) error   { f.record("stop"); return nil }
func (f *fakeImpl) Pause(context.Context) error  { f.record("pause"); return nil }
func (f *fakeImpl) Resume(context.Context) error { f.record("resume"); return nil }

func (f *fakeImpl) Connect(_ context.Context, peers []beacon.Peer) error {
	f.record("connect")
	var pe beacon.PeersError
	pe.Op = "connect"
	for _, p := range peers {
		if p.PublicKey == f.failPeer {
			pe.Failures = append(pe.Failures, beacon.PeerFailure{Peer: p, Err: errors.New("rejected")})
		}
	}
	if len(pe.Failures) > 0 {
		return &pe
	}
	return nil
}

func (f *fakeImpl) Disconnect(context.Context, []beacon.Peer) error {
	f.record("disconnect")
	return nil
}

func (f *fakeImpl) Send(_ context.Context, env protocol.OutboundEnvelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

type pairingImpl struct{ fakeImpl }

func (p *pairingImpl) Pair(context.Context) (beacon.PairingRequest, error) {
	return beacon.PairingRequest{ID: "req", Type: "p2p-pairing-request"}, nil
}

func (p *pairingImpl) PairWith(_ context.Context, req beacon.PairingRequest) (beacon.Peer, error) {
	return req.Peer()
}

func newTransport(impl Impl) *Transport {
	return New(impl, Config{Logger: discardLogger(), Metrics: metrics.New()})
}

func env(id, content string) protocol.InboundEnvelope {
	return protocol.InboundEnvelope{Origin: beacon.ConnectionID{Kind: beacon.KindP2P, ID: id}, Content: content}
}

func TestStatusTransitions(t *testing.T) {
	f := &fakeImpl{}
	tr := newTransport(f)
	ctx := context.Background()

	if tr.Status() != Disconnected {
		t.Fatalf("initial status = %s", tr.Status())
	}
	if err := tr.Pause(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("pause while disconnected: %v", err)
	}
	if err := tr.Resume(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("resume while disconnected: %v", err)
	}

	steps := []struct {
		name string
		op   func(context.Context) error
		want Status
	}{
		{"start", tr.Start, Connected},
		{"start again", tr.Start, Connected},
		{"pause", tr.Pause, Paused},
		{"pause again", tr.Pause, Paused},
		{"start while paused", tr.Start, Connected},
		{"pause", tr.Pause, Paused},
		{"resume", tr.Resume, Connected},
		{"resume again", tr.Resume, Connected},
		{"stop", tr.Stop, Disconnected},
		{"stop again", tr.Stop, Disconnected},
	}
	for _, s := range steps {
		if err := s.op(ctx); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if got := tr.Status(); got != s.want {
			t.Fatalf("%s: status = %s, want %s", s.name, got, s.want)
		}
	}

	want := "start,pause,resume,pause,resume,stop"
	f.mu.Lock()
	got := joinCalls(f.calls)
	f.mu.Unlock()
	if got != want {
		t.Errorf("impl calls = %s, want %s", got, want)
	}
}

func joinCalls(calls []string) string {
	out := ""
	for i, c := range calls {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func TestStartFailure(t *testing.T) {
	boom := errors.New("boom")
	tr := newTransport(&fakeImpl{startErr: boom})

	err := tr.Start(context.Background())
	var le *LifecycleError
	if !errors.As(err, &le) || le.Op != "start" || le.Kind != beacon.KindP2P {
		t.Fatalf("expected start LifecycleError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("LifecycleError should unwrap to the impl error")
	}
	if tr.Status() != Disconnected {
		t.Errorf("status = %s, want disconnected", tr.Status())
	}
}

func TestMessagesBufferedUntilReady(t *testing.T) {
	f := &fakeImpl{}
	tr := newTransport(f)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []string
	)
	tr.ListenMessages(func(e protocol.InboundEnvelope) {
		mu.Lock()
		got = append(got, e.Content)
		mu.Unlock()
	})

	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	f.sink.Message(env("a", "1"))
	f.sink.Message(env("a", "2"))
	f.sink.Message(env("a", "3"))

	mu.Lock()
	if len(got) != 0 {
		t.Errorf("delivered while paused: %v", got)
	}
	mu.Unlock()
	if n := tr.messages.buffered(); n != 3 {
		t.Errorf("buffered = %d, want 3", n)
	}

	if err := tr.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	f.sink.Message(env("a", "4"))

	mu.Lock()
	defer mu.Unlock()
	if joinCalls(got) != "1,2,3,4" {
		t.Errorf("delivered %v, want arrival order 1,2,3,4", got)
	}
}

func TestMessagesBufferedUntilListener(t *testing.T) {
	f := &fakeImpl{onStart: func(s Sink) { s.Message(env("a", "early")) }}
	tr := newTransport(f)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []string
	tr.ListenMessages(func(e protocol.InboundEnvelope) { got = append(got, e.Content) })
	f.sink.Message(env("a", "late"))

	if joinCalls(got) != "early,late" {
		t.Errorf("delivered %v, want early,late", got)
	}
}

func TestStopClearsListenersAndBuffers(t *testing.T) {
	f := &fakeImpl{}
	tr := newTransport(f)
	ctx := context.Background()

	calls := 0
	tr.ListenMessages(func(protocol.InboundEnvelope) { calls++ })
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	f.sink.Message(env("a", "buffered"))
	if err := tr.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.messages.buffered() != 0 {
		t.Error("Stop should drop buffered messages")
	}

	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.sink.Message(env("a", "after restart"))
	if calls != 0 {
		t.Errorf("listener registered before Stop was called %d times", calls)
	}
}

func TestRemoveListener(t *testing.T) {
	f := &fakeImpl{}
	tr := newTransport(f)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	calls := 0
	remove := tr.ListenMessages(func(protocol.InboundEnvelope) { calls++ })
	f.sink.Message(env("a", "1"))
	remove()
	tr.ListenMessages(func(protocol.InboundEnvelope) {})
	f.sink.Message(env("a", "2"))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestConnectTracksSucceededPeers(t *testing.T) {
	f := &fakeImpl{failPeer: "bad"}
	tr := newTransport(f)
	ctx := context.Background()

	good := beacon.Peer{Kind: beacon.KindP2P, Name: "good", PublicKey: "aa", RelayServer: "r"}
	bad := beacon.Peer{Kind: beacon.KindP2P, Name: "bad", PublicKey: "bad", RelayServer: "r"}

	err := tr.Connect(ctx, []beacon.Peer{good, bad})
	var pe *beacon.PeersError
	if !errors.As(err, &pe) || len(pe.Peers()) != 1 || pe.Peers()[0] != bad {
		t.Fatalf("expected PeersError naming bad, got %v", err)
	}
	if peers := tr.Peers(); len(peers) != 1 || peers[0] != good {
		t.Errorf("peers = %v, want only good", peers)
	}
	if !tr.HasPeer(good.ConnectionID()) || tr.HasPeer(bad.ConnectionID()) {
		t.Error("HasPeer disagrees with connected set")
	}

	if err := tr.Disconnect(ctx, []beacon.Peer{good}); err != nil {
		t.Fatal(err)
	}
	if len(tr.Peers()) != 0 {
		t.Errorf("peers after disconnect = %v", tr.Peers())
	}
}

func TestSendRequiresConnected(t *testing.T) {
	f := &fakeImpl{}
	tr := newTransport(f)
	ctx := context.Background()
	out := protocol.OutboundEnvelope{Destination: beacon.ConnectionID{Kind: beacon.KindP2P, ID: "aa"}, Content: "x"}

	if err := tr.Send(ctx, out); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send while disconnected: %v", err)
	}
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(ctx, out); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.sent) != 1 || f.sent[0] != out {
		t.Errorf("sent = %v", f.sent)
	}
}

func TestPairing(t *testing.T) {
	ctx := context.Background()

	plain := newTransport(&fakeImpl{})
	if plain.SupportsPairing() {
		t.Error("plain impl should not support pairing")
	}
	if _, err := plain.Pair(ctx); !errors.Is(err, ErrPairingUnsupported) {
		t.Errorf("Pair on plain impl: %v", err)
	}

	p := &pairingImpl{}
	tr := newTransport(p)
	if !tr.SupportsPairing() {
		t.Fatal("pairing impl should support pairing")
	}
	if _, err := tr.Pair(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Pair before start: %v", err)
	}
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	req, err := tr.Pair(ctx)
	if err != nil || req.ID != "req" {
		t.Fatalf("Pair = %+v, %v", req, err)
	}
	peer, err := tr.PairWith(ctx, beacon.PairingRequest{Type: "p2p-pairing-request", Name: "dapp", PublicKey: "ab"})
	if err != nil || peer.Name != "dapp" {
		t.Fatalf("PairWith = %+v, %v", peer, err)
	}

	var paired []beacon.Peer
	tr.ListenPairing(func(p beacon.Peer) { paired = append(paired, p) })
	p.sink.Pairing(peer)
	if len(paired) != 1 || paired[0] != peer {
		t.Errorf("paired = %v", paired)
	}
}

func TestConcurrentEmitOrder(t *testing.T) {
	f := &fakeImpl{}
	tr := newTransport(f)
	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	tr.ListenMessages(func(e protocol.InboundEnvelope) {
		mu.Lock()
		got = append(got, e.Content)
		mu.Unlock()
	})

	for i := range 50 {
		f.sink.Message(env("a", string(rune('A'+i%26))))
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr.Resume(ctx)
	}()
	for range 50 {
		f.sink.Message(env("a", "z"))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("delivered %d messages, want 100", len(got))
	}
	for i := range 50 {
		if got[i] != string(rune('A'+i%26)) {
			t.Fatalf("buffered message %d out of order: %q", i, got[i])
		}
	}
}
