package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/philsphicas/beacon/internal/crypto"
	"github.com/philsphicas/beacon/internal/relay/relaytest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func leakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}

func newKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	return kp
}

func newTestClient(t *testing.T, server string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Server:       server,
		KeyPair:      newKeyPair(t),
		PollInterval: time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
		Logger:       discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func collect(c *Client) <-chan Event {
	ch := make(chan Event, 64)
	c.Subscribe(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{Server: "", KeyPair: newKeyPair(t)}); err == nil {
		t.Error("expected error for empty server")
	}
	if _, err := NewClient(Config{Server: "relay.example.com"}); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestStart_RetryCeiling(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		wantCalls int
	}{
		{"default", 0, 4},
		{"two", 2, 3},
		{"none", -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := relaytest.NewServer()
			defer srv.Close()
			srv.FailSyncs(-1)

			c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxSyncRetries = tt.retries })
			err := c.Start(context.Background())
			if !errors.Is(err, ErrPollingStopped) {
				t.Fatalf("expected ErrPollingStopped, got %v", err)
			}
			var rerr *Error
			if !errors.As(err, &rerr) || rerr.Status != http.StatusInternalServerError {
				t.Errorf("expected wrapped 500 relay error, got %v", err)
			}
			if got := srv.SyncCalls(); got != tt.wantCalls {
				t.Errorf("sync calls = %d, want %d", got, tt.wantCalls)
			}
			if c.Polling() {
				t.Error("client should not be polling after abandoning")
			}
		})
	}
}

func TestStart_RecoversWithinCeiling(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()
	srv.FailSyncs(3)

	c := newTestClient(t, srv.URL, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Polling() {
		t.Error("client should be polling")
	}
	if got := srv.SyncCalls(); got < 4 {
		t.Errorf("sync calls = %d, want at least 4", got)
	}
}

func TestOnPollingStopped(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	stopped := make(chan error, 1)
	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.PollTimeout = 20 * time.Millisecond
		cfg.OnPollingStopped = func(err error) { stopped <- err }
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv.FailSyncs(-1)

	select {
	case err := <-stopped:
		if !errors.Is(err, ErrPollingStopped) {
			t.Errorf("expected ErrPollingStopped, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnPollingStopped not called")
	}
	if c.Polling() {
		t.Error("client should not be polling")
	}

	// A stopped client can be started again once the relay recovers.
	srv.FailSyncs(0)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestStop_CancelsLongPoll(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions()...)

	srv := relaytest.NewServer()
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.PollTimeout = 30 * time.Second })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Let the loop enter its long poll.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop took %v, want prompt cancellation", elapsed)
	}
	if c.Polling() {
		t.Error("client should not be polling after Stop")
	}
	c.Stop() // idempotent
}

func TestSync_TimeoutAndCursor(t *testing.T) {
	var (
		mu    sync.Mutex
		calls [][2]string // timeout, since
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/r0/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "secret", "user_id": "@me:test"})
	})
	mux.HandleFunc("GET /_matrix/client/r0/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		calls = append(calls, [2]string{r.URL.Query().Get("timeout"), r.URL.Query().Get("since")})
		n := len(calls)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"next_batch": "s" + string(rune('0'+n%10))})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.PollTimeout = 1500 * time.Millisecond })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(calls)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 3 {
		t.Fatalf("got %d sync calls, want at least 3", len(calls))
	}
	if calls[0] != [2]string{"0", ""} {
		t.Errorf("first sync = %v, want timeout 0 without since", calls[0])
	}
	if calls[1] != [2]string{"1500", "s1"} {
		t.Errorf("second sync = %v, want timeout 1500 since s1", calls[1])
	}
	if calls[2] != [2]string{"1500", "s2"} {
		t.Errorf("third sync = %v, want timeout 1500 since s2", calls[2])
	}
	if got := c.UserID(); got != "@me:test" {
		t.Errorf("UserID = %q, want the relay-reported id", got)
	}
}

func TestLogin_RejectedOutsideWindow(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	})
	err := c.Login(context.Background())
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 relay error, got %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when login is rejected")
	}
	if c.Polling() {
		t.Error("client should not be polling")
	}
}

func TestRoomFlow(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	a := newTestClient(t, srv.URL, nil)
	b := newTestClient(t, srv.URL, nil)
	aEvents, bEvents := collect(a), collect(b)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	if a.UserID() != crypto.RecipientFor(a.cfg.KeyPair.Public, a.Server()) {
		t.Errorf("UserID %q does not match derived recipient", a.UserID())
	}

	room, err := a.CreateDirectRoom(ctx, b.UserID())
	if err != nil || room == nil {
		t.Fatalf("CreateDirectRoom: %v %v", room, err)
	}
	if !room.HasMember(a.UserID()) || !room.HasMember(b.UserID()) {
		t.Errorf("room members = %v", room.Members)
	}

	inv := waitEvent(t, bEvents, func(ev Event) bool { return ev.Kind == EventInvite })
	if inv.RoomID != room.ID || inv.Sender != a.UserID() {
		t.Errorf("invite = %+v", inv)
	}
	if err := b.JoinRoom(ctx, inv.RoomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if got := srv.Membership(room.ID, b.UserID()); got != "join" {
		t.Errorf("membership = %q, want join", got)
	}

	join := waitEvent(t, aEvents, func(ev Event) bool { return ev.Kind == EventJoin && ev.Sender == b.UserID() })
	if join.RoomID != room.ID {
		t.Errorf("join room = %q, want %q", join.RoomID, room.ID)
	}
	if _, ok := a.JoinedRoomWith(b.UserID()); !ok {
		t.Error("a should see a joined room with b")
	}

	if _, err := a.Send(ctx, room.ID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := waitEvent(t, bEvents, func(ev Event) bool { return ev.Kind == EventText })
	if msg.Body != "hello" || msg.Sender != a.UserID() || msg.RoomID != room.ID {
		t.Errorf("message = %+v", msg)
	}
}

func TestRestart_KeepsSyncPosition(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	a := newTestClient(t, srv.URL, nil)
	b := newTestClient(t, srv.URL, func(cfg *Config) { cfg.DedupSize = 4 })
	bEvents := collect(b)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	room, err := a.CreateDirectRoom(ctx, b.UserID())
	if err != nil {
		t.Fatalf("CreateDirectRoom: %v", err)
	}
	inv := waitEvent(t, bEvents, func(ev Event) bool { return ev.Kind == EventInvite })
	if err := b.JoinRoom(ctx, inv.RoomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	const sent = 10
	for i := range sent {
		if _, err := a.Send(ctx, room.ID, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := range sent {
		want := fmt.Sprintf("msg-%d", i)
		waitEvent(t, bEvents, func(ev Event) bool { return ev.Kind == EventText && ev.Body == want })
	}

	b.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := a.Send(ctx, room.ID, "after restart"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ev := waitEvent(t, bEvents, func(ev Event) bool { return ev.Kind == EventText })
	if ev.Body != "after restart" {
		t.Errorf("first text event after restart = %q, want only new messages", ev.Body)
	}
}

func TestCreateDirectRoom_RequestAndDecline(t *testing.T) {
	var got createRoomRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/r0/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "t"})
	})
	mux.HandleFunc("POST /_matrix/client/r0/createRoom", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	if _, err := c.CreateDirectRoom(context.Background(), "@peer:test"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn before login, got %v", err)
	}
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	room, err := c.CreateDirectRoom(context.Background(), "@peer:test")
	if err != nil {
		t.Fatalf("CreateDirectRoom: %v", err)
	}
	if room != nil {
		t.Errorf("expected nil room when relay returns no room id, got %+v", room)
	}
	want := createRoomRequest{RoomVersion: "5", Invite: []string{"@peer:test"}, Preset: "trusted_private_chat", IsDirect: true}
	if got.RoomVersion != want.RoomVersion || got.Preset != want.Preset || !got.IsDirect || len(got.Invite) != 1 || got.Invite[0] != want.Invite[0] {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestSend_TransactionIDs(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/r0/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "t"})
	})
	mux.HandleFunc("PUT /_matrix/client/r0/rooms/{room}/send/m.room.message/{txn}", func(w http.ResponseWriter, r *http.Request) {
		var body textMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.MsgType != "m.text" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		paths = append(paths, r.PathValue("txn"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$" + r.PathValue("txn")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	now := time.Unix(1700000000, 0)
	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Now = func() time.Time { return now } })
	if _, err := c.Send(context.Background(), "!r:test", "x"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	for range 2 {
		if _, err := c.Send(context.Background(), "!r:test", "x"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	want := []string{"m1700000000.0", "m1700000000.1"}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("txn ids = %v, want %v", paths, want)
	}
}

func TestDispatch_DropsDuplicates(t *testing.T) {
	c := newTestClient(t, "relay.example.com", func(cfg *Config) { cfg.DedupSize = 2 })
	var got []string
	unsubscribe := c.Subscribe(func(ev Event) { got = append(got, ev.ID) })

	for _, id := range []string{"$1", "$1", "$2", "$1", "$3", "$1"} {
		c.dispatch(Event{Kind: EventText, ID: id})
	}
	// $1 is evicted after $2 and $3, so its last delivery is new again.
	want := "$1,$2,$3,$1"
	if strings.Join(got, ",") != want {
		t.Errorf("dispatched %v, want %s", got, want)
	}

	unsubscribe()
	c.dispatch(Event{Kind: EventText, ID: "$4"})
	if len(got) != 4 {
		t.Errorf("unsubscribed handler still called: %v", got)
	}
}

func TestApply_Decomposition(t *testing.T) {
	raw := `{
		"next_batch": "s9",
		"rooms": {
			"join": {
				"!a:test": {
					"state": {"events": [
						{"type": "m.room.create", "event_id": "$c", "sender": "@x:test", "state_key": ""}
					]},
					"timeline": {"events": [
						{"type": "m.room.member", "event_id": "$j", "sender": "@y:test", "state_key": "@y:test", "content": {"membership": "join"}},
						{"type": "m.room.message", "event_id": "$m", "sender": "@y:test", "content": {"msgtype": "m.text", "body": "hi"}},
						{"type": "m.room.message", "event_id": "$n", "sender": "@y:test", "content": {"msgtype": "m.notice", "body": "skip"}},
						{"type": "m.room.member", "event_id": "$l", "sender": "@x:test", "state_key": "@x:test", "content": {"membership": "leave"}}
					]}
				}
			},
			"invite": {
				"!b:test": {"invite_state": {"events": [
					{"type": "m.room.member", "sender": "@z:test", "state_key": "@me:test", "content": {"membership": "invite"}}
				]}}
			},
			"leave": {"!c:test": {}}
		}
	}`
	var resp syncResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rooms := map[string]*Room{"!a:test": {ID: "!a:test", Members: []string{"@x:test"}}}
	events := resp.apply(rooms)

	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind.String()
	}
	if got, want := strings.Join(kinds, ","), "create,join,textMessage,invite"; got != want {
		t.Fatalf("event kinds = %s, want %s", got, want)
	}
	if events[2].Body != "hi" || events[2].Sender != "@y:test" {
		t.Errorf("text event = %+v", events[2])
	}
	if events[3].RoomID != "!b:test" || events[3].Sender != "@z:test" || events[3].ID != "invite:!b:test" {
		t.Errorf("invite event = %+v", events[3])
	}

	if a := rooms["!a:test"]; a.Status != RoomJoined || a.HasMember("@x:test") || !a.HasMember("@y:test") {
		t.Errorf("room a = %+v", a)
	}
	if rooms["!b:test"].Status != RoomInvited {
		t.Errorf("room b status = %s", rooms["!b:test"].Status)
	}
	if rooms["!c:test"].Status != RoomLeft {
		t.Errorf("room c status = %s", rooms["!c:test"].Status)
	}
}
