package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
	"github.com/philsphicas/beacon/internal/blockchain/tezos"
	"github.com/philsphicas/beacon/internal/connection"
	"github.com/philsphicas/beacon/internal/message"
	"github.com/philsphicas/beacon/internal/protocol"
	"github.com/philsphicas/beacon/internal/storage"
	"github.com/philsphicas/beacon/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopImpl records sends and lets tests inject envelopes.
type loopImpl struct {
	startErr error

	mu   sync.Mutex
	sink transport.Sink
	sent []protocol.OutboundEnvelope
}

func (l *loopImpl) Kind() beacon.Kind { return beacon.KindWebSocket }

func (l *loopImpl) Start(_ context.Context, sink transport.Sink) error {
	if l.startErr != nil {
		return l.startErr
	}
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
	return nil
}

func (l *loopImpl) Stop(context.Context) error                      { return nil }
func (l *loopImpl) Pause(context.Context) error                     { return nil }
func (l *loopImpl) Resume(context.Context) error                    { return nil }
func (l *loopImpl) Connect(context.Context, []beacon.Peer) error    { return nil }
func (l *loopImpl) Disconnect(context.Context, []beacon.Peer) error { return nil }

func (l *loopImpl) Send(_ context.Context, env protocol.OutboundEnvelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, env)
	return nil
}

func (l *loopImpl) inject(t *testing.T, from beacon.Peer, doc string) {
	t.Helper()
	content, err := protocol.Base58Check{}.Serialize([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	sink.Message(protocol.InboundEnvelope{Origin: from.ConnectionID(), Content: content})
}

func (l *loopImpl) pair(peer beacon.Peer) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	sink.Pairing(peer)
}

func (l *loopImpl) sentDocs(t *testing.T) []map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var docs []map[string]any
	for _, env := range l.sent {
		raw, err := protocol.Base58Check{}.Deserialize(env.Content)
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatal(err)
		}
		docs = append(docs, m)
	}
	return docs
}

// recorder is a Handler that keeps what it saw.
type recorder struct {
	mu       sync.Mutex
	messages []beacon.Message
	paired   []beacon.Peer
}

func (r *recorder) HandleMessage(_ context.Context, msg beacon.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) HandlePaired(_ context.Context, peer beacon.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paired = append(r.paired, peer)
}

func (r *recorder) counts() (messages, paired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages), len(r.paired)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var remote = beacon.Peer{Kind: beacon.KindWebSocket, Name: "remote", PublicKey: "remote"}

func newNode(t *testing.T, impl *loopImpl, rejectMalformed bool, peers ...beacon.Peer) (*Node, *recorder, *storage.Extended) {
	t.Helper()
	conn, err := connection.New(connection.Config{
		Transports: []*transport.Transport{transport.New(impl, transport.Config{Logger: discardLogger()})},
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewExtended(storage.NewMemory(storage.State{Peers: peers}))
	msgs, err := message.New(message.Config{
		Registry: blockchain.NewRegistry(&tezos.Codec{}),
		Storage:  store,
		SenderID: "local",
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	n, err := New(Config{
		Connection:      conn,
		Messages:        msgs,
		Storage:         store,
		SenderID:        "local",
		RejectMalformed: rejectMalformed,
		Logger:          discardLogger(),
	}, rec)
	if err != nil {
		t.Fatal(err)
	}
	return n, rec, store
}

func start(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = n.Close(context.Background()) })
}

func TestStartFailsWhenNoTransportStarts(t *testing.T) {
	impl := &loopImpl{startErr: errors.New("unreachable")}
	n, _, _ := newNode(t, impl, false)
	if err := n.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
}

func TestRequestReachesHandler(t *testing.T) {
	impl := &loopImpl{}
	n, rec, _ := newNode(t, impl, true, remote)
	start(t, n)

	impl.inject(t, remote, `{"id":"r1","version":"3","senderId":"remote","message":{"type":"permission_request","blockchainIdentifier":"tezos","blockchainData":{"appMetadata":{"senderId":"remote","name":"Demo"},"network":{"type":"mainnet"},"scopes":["sign"]}}}`)
	waitFor(t, "handler to see the request", func() bool { m, _ := rec.counts(); return m == 1 })

	rec.mu.Lock()
	req, ok := rec.messages[0].(*beacon.PermissionRequest)
	rec.mu.Unlock()
	if !ok || req.ID != "r1" || req.Origin != remote.ConnectionID() {
		t.Fatalf("handler saw %#v", rec.messages[0])
	}
	if pending := n.Messages().Pending(); len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestMalformedRejection(t *testing.T) {
	for _, reject := range []bool{true, false} {
		impl := &loopImpl{}
		n, rec, _ := newNode(t, impl, reject, remote)
		start(t, n)

		impl.inject(t, remote, `{"id":"m1","version":"2","senderId":"remote","type":"bogus"}`)
		// A following valid disconnect proves the malformed one was handled.
		impl.inject(t, remote, `{"id":"d1","version":"2","senderId":"remote","type":"disconnect"}`)
		waitFor(t, "disconnect", func() bool { m, _ := rec.counts(); return m == 1 })

		docs := impl.sentDocs(t)
		if !reject {
			if len(docs) != 0 {
				t.Errorf("reject=false sent %v", docs)
			}
			continue
		}
		if len(docs) != 1 || docs[0]["type"] != "error" || docs[0]["id"] != "m1" || docs[0]["errorType"] != beacon.ErrorUnknown {
			t.Errorf("reject=true sent %v", docs)
		}
	}
}

func TestDisconnectRemovesPeer(t *testing.T) {
	impl := &loopImpl{}
	n, rec, store := newNode(t, impl, false, remote)
	start(t, n)

	impl.inject(t, remote, `{"id":"d1","version":"3","senderId":"remote","message":{"type":"disconnect"}}`)
	waitFor(t, "peer removal", func() bool {
		peers, _ := store.Peers(context.Background())
		return len(peers) == 0
	})
	waitFor(t, "handler", func() bool { m, _ := rec.counts(); return m == 1 })
	if _, ok := rec.messages[0].(*beacon.Disconnect); !ok {
		t.Errorf("handler saw %T", rec.messages[0])
	}
}

func TestPairingStoresPeer(t *testing.T) {
	impl := &loopImpl{}
	n, rec, store := newNode(t, impl, false)
	start(t, n)

	impl.pair(remote)
	waitFor(t, "pairing handled", func() bool { _, p := rec.counts(); return p == 1 })
	if _, ok, _ := store.PeerByConnection(context.Background(), remote.ConnectionID()); !ok {
		t.Error("paired peer was not stored")
	}

	if err := n.Disconnect(context.Background(), remote); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if docs := impl.sentDocs(t); len(docs) != 1 || docs[0]["message"] == nil {
		t.Errorf("sent %v, want one version 3 disconnect", docs)
	}
	if peers, _ := store.Peers(context.Background()); len(peers) != 0 {
		t.Errorf("peers after Disconnect = %v", peers)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n, _, _ := newNode(t, &loopImpl{}, false)
	start(t, n)
	if err := n.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
