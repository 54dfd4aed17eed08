// Package relaytest provides an in-process relay server speaking the
// subset of the Matrix client-server API the relay client uses: password
// login with Ed25519 proofs, long-poll sync, direct room creation, joins
// and text messages.
package relaytest

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/beacon/internal/crypto"
)

// Server is a fake relay. It is safe for concurrent use.
type Server struct {
	*httptest.Server

	// Host is the server name in user and room ids.
	Host string

	// Now is the clock used to check login proofs.
	Now func() time.Time

	syncCalls atomic.Int64
	failSyncs atomic.Int64 // negative = fail forever

	mu      sync.Mutex
	changed chan struct{}
	tokens  map[string]string // access token -> user id
	users   map[string]*user
	rooms   map[string]*room
	log     []entry
	nextID  int
}

type user struct {
	id string
	// history lists rooms joined since the last sync whose earlier
	// events must be replayed.
	history map[string]bool
}

type room struct {
	id         string
	membership map[string]string
}

type entry struct {
	room      string
	inviteFor string
	event     map[string]any
}

// NewServer starts a fake relay. Call Close when done.
func NewServer() *Server {
	s := &Server{
		Now:     time.Now,
		changed: make(chan struct{}),
		tokens:  make(map[string]string),
		users:   make(map[string]*user),
		rooms:   make(map[string]*room),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/versions", s.versions)
	mux.HandleFunc("POST /_matrix/client/r0/login", s.login)
	mux.HandleFunc("GET /_matrix/client/r0/sync", s.auth(s.sync))
	mux.HandleFunc("POST /_matrix/client/r0/createRoom", s.auth(s.createRoom))
	mux.HandleFunc("POST /_matrix/client/r0/rooms/{room}/join", s.auth(s.join))
	mux.HandleFunc("PUT /_matrix/client/r0/rooms/{room}/send/m.room.message/{txn}", s.auth(s.send))
	s.Server = httptest.NewServer(mux)
	u, _ := url.Parse(s.URL)
	s.Host = u.Host
	return s
}

// FailSyncs makes the next n sync requests fail with 500. A negative n
// fails every sync until FailSyncs(0).
func (s *Server) FailSyncs(n int) { s.failSyncs.Store(int64(n)) }

// SyncCalls reports how many sync requests have been received.
func (s *Server) SyncCalls() int { return int(s.syncCalls.Load()) }

// Membership returns user's membership of roomID, or "".
func (s *Server) Membership(roomID, userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.membership[userID]
	}
	return ""
}

// Messages returns the text bodies sent to roomID in order.
func (s *Server) Messages(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.log {
		if e.room != roomID || e.event["type"] != "m.room.message" {
			continue
		}
		if c, ok := e.event["content"].(map[string]any); ok {
			body, _ := c["body"].(string)
			out = append(out, body)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": msg})
}

func (s *Server) versions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"versions": []string{"r0.6.1"}})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type       string `json:"type"`
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type != "m.login.password" {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "bad login request")
		return
	}
	if !s.verifyPassword(req.Identifier.User, req.Password) {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid password")
		return
	}

	s.mu.Lock()
	userID := "@" + req.Identifier.User + ":" + s.Host
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = &user{id: userID, history: make(map[string]bool)}
	}
	s.nextID++
	token := "tok" + strconv.Itoa(s.nextID)
	s.tokens[token] = userID
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "access_token": token, "device_id": req.DeviceID})
}

// verifyPassword checks an "ed:<sig>:<pub>" proof for the current login
// window and that the user id is derived from the key.
func (s *Server) verifyPassword(userPart, password string) bool {
	parts := strings.Split(password, ":")
	if len(parts) != 3 || parts[0] != "ed" {
		return false
	}
	sig, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	pub, err := crypto.ParsePublicKey(parts[2])
	if err != nil {
		return false
	}
	if crypto.UserID(pub) != userPart {
		return false
	}
	digest := crypto.LoginDigest(s.Now())
	return ed25519.Verify(pub, digest[:], sig)
}

func (s *Server) auth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unknown access token")
			return
		}
		next(w, r, userID)
	}
}

// appendLocked records an event and wakes long polls. s.mu must be held.
func (s *Server) appendLocked(e entry) string {
	s.nextID++
	id := "$ev" + strconv.Itoa(s.nextID)
	e.event["event_id"] = id
	s.log = append(s.log, e)
	close(s.changed)
	s.changed = make(chan struct{})
	return id
}

func memberEvent(sender, target, membership string) map[string]any {
	return map[string]any{
		"type":      "m.room.member",
		"sender":    sender,
		"state_key": target,
		"content":   map[string]any{"membership": membership},
	}
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Invite   []string `json:"invite"`
		Preset   string   `json:"preset"`
		IsDirect bool     `json:"is_direct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}

	s.mu.Lock()
	s.nextID++
	id := "!room" + strconv.Itoa(s.nextID) + ":" + s.Host
	rm := &room{id: id, membership: map[string]string{userID: "join"}}
	s.rooms[id] = rm
	s.appendLocked(entry{room: id, event: map[string]any{"type": "m.room.create", "sender": userID, "state_key": "", "content": map[string]any{"creator": userID}}})
	s.appendLocked(entry{room: id, event: memberEvent(userID, userID, "join")})
	for _, invitee := range req.Invite {
		rm.membership[invitee] = "invite"
		s.appendLocked(entry{room: id, inviteFor: invitee, event: memberEvent(userID, invitee, "invite")})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"room_id": id})
}

func (s *Server) join(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("room")
	s.mu.Lock()
	rm, ok := s.rooms[id]
	if !ok || (rm.membership[userID] != "invite" && rm.membership[userID] != "join") {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "not invited")
		return
	}
	if rm.membership[userID] != "join" {
		rm.membership[userID] = "join"
		if u, ok := s.users[userID]; ok {
			u.history[id] = true
		}
		s.appendLocked(entry{room: id, event: memberEvent(userID, userID, "join")})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"room_id": id})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("room")
	var content map[string]any
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	s.mu.Lock()
	rm, ok := s.rooms[id]
	if !ok || rm.membership[userID] != "join" {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "not joined")
		return
	}
	eventID := s.appendLocked(entry{room: id, event: map[string]any{"type": "m.room.message", "sender": userID, "content": content}})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request, userID string) {
	s.syncCalls.Add(1)
	if n := s.failSyncs.Load(); n != 0 {
		if n > 0 {
			s.failSyncs.Add(-1)
		}
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "sync unavailable")
		return
	}

	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	timeoutMS, _ := strconv.Atoi(r.URL.Query().Get("timeout"))
	deadline := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		body, next, empty := s.syncBodyLocked(userID, since)
		changed := s.changed
		s.mu.Unlock()

		if !empty || timeoutMS == 0 {
			body["next_batch"] = strconv.Itoa(next)
			writeJSON(w, http.StatusOK, body)
			return
		}
		select {
		case <-changed:
		case <-deadline.C:
			timeoutMS = 0
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) syncBodyLocked(userID string, since int) (map[string]any, int, bool) {
	u := s.users[userID]
	join := map[string]map[string]any{}
	invite := map[string]any{}
	empty := true

	timeline := func(roomID string) *[]any {
		jr, ok := join[roomID]
		if !ok {
			jr = map[string]any{"timeline": map[string]any{"events": &[]any{}}}
			join[roomID] = jr
		}
		return jr["timeline"].(map[string]any)["events"].(*[]any)
	}

	for i, e := range s.log {
		rm := s.rooms[e.room]
		if e.inviteFor == userID && i >= since && rm.membership[userID] == "invite" {
			invite[e.room] = map[string]any{"invite_state": map[string]any{"events": []any{e.event}}}
			empty = false
			continue
		}
		if rm.membership[userID] != "join" {
			continue
		}
		if i >= since || (u != nil && u.history[e.room]) {
			events := timeline(e.room)
			*events = append(*events, e.event)
			empty = false
		}
	}
	if u != nil {
		for id := range u.history {
			delete(u.history, id)
		}
	}

	rooms := map[string]any{}
	if len(join) > 0 {
		rooms["join"] = join
	}
	if len(invite) > 0 {
		rooms["invite"] = invite
	}
	return map[string]any{"rooms": rooms}, len(s.log), empty
}

// String describes the server for test failure messages.
func (s *Server) String() string {
	return fmt.Sprintf("relaytest.Server(%s)", s.Host)
}
