package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/philsphicas/beacon/internal/crypto"
	"github.com/philsphicas/beacon/internal/metrics"
)

const (
	apiPrefix = "/_matrix/client/r0"

	defaultMaxSyncRetries = 3
	defaultPollTimeout    = 30 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	defaultDedupSize      = 1024
)

var (
	// ErrPollingStopped wraps the last sync error once the retry ceiling
	// is exceeded.
	ErrPollingStopped = errors.New("relay polling stopped")
	ErrNotLoggedIn    = errors.New("relay client not logged in")
)

// Config holds parameters for a relay client.
type Config struct {
	// Server is the relay host or URL, see ParseServer.
	Server  string
	KeyPair crypto.KeyPair

	// HTTPClient must not set a Timeout shorter than PollTimeout.
	HTTPClient *http.Client

	// MaxSyncRetries is the number of consecutive failed syncs tolerated
	// before polling is abandoned. Zero means 3; negative means none.
	MaxSyncRetries int
	// PollTimeout is the long-poll timeout requested from the relay after
	// the first sync. Default 30s.
	PollTimeout time.Duration
	// PollInterval is the minimum spacing between sync requests.
	PollInterval time.Duration
	// MaxConcurrentSends bounds in-flight room sends. 0 = unlimited.
	MaxConcurrentSends int
	// DedupSize is the number of recent event ids remembered to drop
	// redelivered events.
	DedupSize int

	// OnPollingStopped is called when polling is abandoned after the
	// retry ceiling. It is not called for Stop. Optional.
	OnPollingStopped func(error)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now is the clock used for login and transaction ids.
	Now func() time.Time
}

type state int

const (
	loggedOut state = iota
	loggingIn
	polling
)

// Client is a relay client for one key pair on one relay server.
type Client struct {
	cfg  Config
	host string
	http *HTTP
	seen *lru.Cache
	sem  *sendSemaphore
	txn  atomic.Uint64

	startMu sync.Mutex

	mu     sync.Mutex
	state  state
	token  string
	userID string
	rooms  map[string]*Room
	// since is the last sync batch token. It outlives the poll loop so a
	// restarted client does not replay room history.
	since  string
	cancel context.CancelFunc
	done   chan struct{}

	subMu   sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

// NewClient validates cfg and returns a logged-out client.
func NewClient(cfg Config) (*Client, error) {
	host, base, err := ParseServer(cfg.Server)
	if err != nil {
		return nil, err
	}
	if len(cfg.KeyPair.Private) == 0 {
		return nil, fmt.Errorf("relay client: %w", crypto.ErrInvalidKey)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("relay", host)
	if cfg.MaxSyncRetries == 0 {
		cfg.MaxSyncRetries = defaultMaxSyncRetries
	}
	cfg.MaxSyncRetries = max(cfg.MaxSyncRetries, 0)
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DedupSize == 0 {
		cfg.DedupSize = defaultDedupSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seen, err := lru.New(cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("relay client: %w", err)
	}
	return &Client{
		cfg:   cfg,
		host:  host,
		http:  NewHTTP(base, cfg.HTTPClient),
		seen:  seen,
		sem:   newSendSemaphore(cfg.MaxConcurrentSends),
		rooms: make(map[string]*Room),
		subs:  make(map[uint64]func(Event)),
	}, nil
}

// Server is the relay host as it appears in relay user ids.
func (c *Client) Server() string { return c.host }

// UserID is the fully qualified relay user of the local key pair, as
// reported by the relay once logged in.
func (c *Client) UserID() string {
	c.mu.Lock()
	id := c.userID
	c.mu.Unlock()
	if id != "" {
		return id
	}
	return crypto.RecipientFor(c.cfg.KeyPair.Public, c.host)
}

// Polling reports whether the sync loop is running.
func (c *Client) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == polling
}

type loginRequest struct {
	Type       string          `json:"type"`
	Identifier loginIdentifier `json:"identifier"`
	Password   string          `json:"password"`
	DeviceID   string          `json:"device_id"`
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Login authenticates with credentials derived from the key pair and
// stores the access token.
func (c *Client) Login(ctx context.Context) error {
	creds := NewCredentials(c.cfg.KeyPair, c.cfg.Now())
	var resp loginResponse
	err := c.http.Post(ctx, apiPrefix+"/login", "", loginRequest{
		Type:       "m.login.password",
		Identifier: loginIdentifier{Type: "m.id.user", User: creds.User},
		Password:   creds.Password,
		DeviceID:   creds.DeviceID,
	}, &resp)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return errors.New("login: relay returned no access token")
	}
	c.mu.Lock()
	c.token = resp.AccessToken
	c.userID = resp.UserID
	c.mu.Unlock()
	c.cfg.Logger.Debug("logged in", "user", resp.UserID)
	return nil
}

// Start logs in and starts the sync loop. It blocks until the first sync
// succeeds, or returns the error polling was abandoned with. Starting a
// polling client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.state == polling {
		c.mu.Unlock()
		return nil
	}
	c.state = loggingIn
	c.mu.Unlock()

	if err := c.Login(ctx); err != nil {
		c.setState(loggedOut)
		return err
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	first := make(chan error, 1)

	c.mu.Lock()
	c.state = polling
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	c.cfg.Metrics.SetPolling(true)

	go c.poll(pollCtx, done, first)

	select {
	case err := <-first:
		if err != nil {
			c.Stop()
			return err
		}
		return nil
	case <-ctx.Done():
		c.Stop()
		return ctx.Err()
	}
}

// Stop cancels the sync loop, including an outstanding long poll, and
// waits for it to exit. The client can be started again.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.state = loggedOut
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	c.http.Cancel(http.MethodGet, apiPrefix+"/sync")
	cancel()
	<-done
	c.cfg.Metrics.SetPolling(false)
}

func (c *Client) setState(s state) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) accessToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", ErrNotLoggedIn
	}
	return c.token, nil
}

// Subscribe registers fn for every event decomposed from sync responses.
// fn runs on the sync goroutine in event order and must not wait for
// later events. The returned function unregisters it.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) dispatch(ev Event) {
	if ev.ID != "" {
		if seen, _ := c.seen.ContainsOrAdd(ev.ID, struct{}{}); seen {
			return
		}
	}
	c.subMu.RLock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Rooms returns a snapshot of every known room.
func (c *Client) Rooms() []Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, cloneRoom(r))
	}
	return out
}

// JoinedRoomWith returns a joined room that has member in it.
func (c *Client) JoinedRoomWith(member string) (Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sortedKeys(c.rooms) {
		r := c.rooms[id]
		if r.Status == RoomJoined && r.HasMember(member) {
			return cloneRoom(r), true
		}
	}
	return Room{}, false
}

func cloneRoom(r *Room) Room {
	cp := *r
	cp.Members = append([]string(nil), r.Members...)
	return cp
}

type createRoomRequest struct {
	RoomVersion string   `json:"room_version"`
	Invite      []string `json:"invite"`
	Preset      string   `json:"preset"`
	IsDirect    bool     `json:"is_direct"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

// CreateDirectRoom creates a private direct room with members invited.
// It returns nil, nil when the relay declines to create one.
func (c *Client) CreateDirectRoom(ctx context.Context, members ...string) (*Room, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}
	var resp createRoomResponse
	err = c.http.Post(ctx, apiPrefix+"/createRoom", token, createRoomRequest{
		RoomVersion: "5",
		Invite:      members,
		Preset:      "trusted_private_chat",
		IsDirect:    true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if resp.RoomID == "" {
		return nil, nil
	}

	self := c.UserID()
	c.mu.Lock()
	room := roomFor(c.rooms, resp.RoomID)
	room.Status = RoomJoined
	addMember(room, self)
	for _, m := range members {
		addMember(room, m)
	}
	cp := cloneRoom(room)
	c.mu.Unlock()

	c.cfg.Logger.Debug("created room", "room", resp.RoomID, "members", members)
	return &cp, nil
}

// JoinRoom joins a room the local user was invited to.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}
	if err := c.http.Post(ctx, apiPrefix+"/rooms/"+url.PathEscape(roomID)+"/join", token, struct{}{}, nil); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	self := c.UserID()
	c.mu.Lock()
	room := roomFor(c.rooms, roomID)
	room.Status = RoomJoined
	addMember(room, self)
	c.mu.Unlock()
	return nil
}

type textMessage struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

// Send posts text into a room and returns the event id.
func (c *Client) Send(ctx context.Context, roomID, text string) (string, error) {
	token, err := c.accessToken()
	if err != nil {
		return "", err
	}
	if err := c.sem.acquire(ctx); err != nil {
		return "", err
	}
	defer c.sem.release()

	txn := "m" + strconv.FormatInt(c.cfg.Now().Unix(), 10) + "." + strconv.FormatUint(c.txn.Add(1)-1, 10)
	path := apiPrefix + "/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + url.PathEscape(txn)
	var resp sendResponse
	if err := c.http.Put(ctx, path, token, textMessage{MsgType: "m.text", Body: text}, &resp); err != nil {
		return "", fmt.Errorf("send to room %s: %w", roomID, err)
	}
	return resp.EventID, nil
}
