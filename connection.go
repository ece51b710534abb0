package directmsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Channel event names.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventNewMessage        = "new_message"
	EventConnect           = "connect"
	EventConnectError      = "connect_error"
	EventDisconnect        = "disconnect"
)

// Envelope is the wire format for all channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server event.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// RoomPayload is the payload of join_conversation and leave_conversation.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// ConnState is the connectivity of the shared channel.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
	StateDisconnected ConnState = "disconnected"
)

// ============================================================================
// Transport
// ============================================================================

// Conn is one open channel connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens channel connections. token may be empty.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// WebsocketDialer dials the channel over WebSocket, sending the token as a
// bearer Authorization header.
type WebsocketDialer struct {
	// HTTPClient must not set Timeout; the dial context bounds the handshake.
	HTTPClient *http.Client
}

func (d WebsocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers is the closed set of channel callbacks. Nil fields are skipped.
// Callbacks run on the channel's read loop in arrival order and must not
// block.
type Handlers struct {
	OnNewMessage   func(PushedMessage)
	OnConnect      func()
	OnConnectError func(error)
	OnDisconnect   func(reason string)
}

type eventDispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handlers
}

func (d *eventDispatcher) add(h Handlers) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[int]Handlers)
	}
	id := d.nextID
	d.nextID++
	d.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

// snapshot returns handlers in registration order.
func (d *eventDispatcher) snapshot() []Handlers {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Handlers, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.handlers[id])
	}
	return out
}

func (d *eventDispatcher) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *eventDispatcher) newMessage(p PushedMessage) {
	for _, h := range d.snapshot() {
		if h.OnNewMessage != nil {
			h.OnNewMessage(p)
		}
	}
}

func (d *eventDispatcher) connected() {
	for _, h := range d.snapshot() {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	}
}

func (d *eventDispatcher) connectError(err error) {
	for _, h := range d.snapshot() {
		if h.OnConnectError != nil {
			h.OnConnectError(err)
		}
	}
}

func (d *eventDispatcher) disconnected(reason string) {
	for _, h := range d.snapshot() {
		if h.OnDisconnect != nil {
			h.OnDisconnect(reason)
		}
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is the single shared channel of a client process. It outlives
// every thread that uses it and is closed only by
// ConnectionManager.Shutdown.
type Session struct {
	url         string
	dialer      Dialer
	logger      *slog.Logger
	heartbeat   time.Duration
	dialTimeout time.Duration

	dispatcher eventDispatcher

	mu      sync.Mutex
	token   string
	state   ConnState
	lastErr error
	conn    Conn
	cancel  context.CancelFunc
	rooms   map[string]struct{}
	changed chan struct{}
	closed  bool
}

// State returns the current connectivity.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the retained connect error while State is
// StateError, for display.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Rooms returns the joined conversation rooms, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomListLocked()
}

// Subscribe registers handlers and returns the function that removes them.
func (s *Session) Subscribe(h Handlers) (unsubscribe func()) {
	return s.dispatcher.add(h)
}

// Wait blocks until the state leaves StateConnecting or ctx is done, and
// returns the state at that point.
func (s *Session) Wait(ctx context.Context) ConnState {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if st != StateConnecting {
			return st
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st
		}
	}
}

// Emit sends a command over the channel.
func (s *Session) Emit(ctx context.Context, event string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &Error{Kind: KindConnection, Message: "channel not connected"}
	}

	data, err := json.Marshal(&Command{Type: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return &Error{Kind: KindConnection, Message: "write " + event, Err: err}
	}
	return nil
}

func (s *Session) roomListLocked() []string {
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) setStateLocked(st ConnState, err error) {
	s.state = st
	s.lastErr = err
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) join(ctx context.Context, conversationID string) {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		// Joined on connect.
		return
	}
	if err := s.Emit(ctx, EventJoinConversation, RoomPayload{ConversationID: conversationID}); err != nil {
		s.logger.Warn("join room failed", "conversation_id", conversationID, "error", err)
	}
}

func (s *Session) leave(ctx context.Context, conversationID string) {
	s.mu.Lock()
	_, joined := s.rooms[conversationID]
	delete(s.rooms, conversationID)
	connected := s.conn != nil
	s.mu.Unlock()
	if !joined || !connected {
		return
	}
	if err := s.Emit(ctx, EventLeaveConversation, RoomPayload{ConversationID: conversationID}); err != nil {
		s.logger.Warn("leave room failed", "conversation_id", conversationID, "error", err)
	}
}

// connect dials once. Failures move the session to StateError and are
// reported to handlers, never to the caller.
func (s *Session) connect(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	token := s.token
	if s.state != StateConnecting {
		s.setStateLocked(StateConnecting, nil)
	}
	s.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(context.WithoutCancel(ctx), s.dialTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.url, token)
	cancelDial()
	if err != nil {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateError, err)
		s.mu.Unlock()
		s.logger.Warn("channel connect failed", "url", s.url, "error", err)
		s.dispatcher.connectError(err)
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close("client shutdown")
		return
	}
	s.conn = conn
	s.cancel = cancel
	s.setStateLocked(StateConnected, nil)
	rooms := s.roomListLocked()
	s.mu.Unlock()

	s.logger.Info("channel connected", "url", s.url, "rooms", len(rooms))
	for _, id := range rooms {
		if err := s.Emit(connCtx, EventJoinConversation, RoomPayload{ConversationID: id}); err != nil {
			s.logger.Warn("rejoin room failed", "conversation_id", id, "error", err)
		}
	}
	s.dispatcher.connected()

	go s.readLoop(connCtx, conn)
	if s.heartbeat > 0 {
		go s.heartbeatLoop(connCtx, conn)
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.drop(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("dropping malformed channel event", "error", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env Envelope) {
	switch env.Type {
	case EventNewMessage:
		var p PushedMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.logger.Debug("dropping malformed new_message", "error", err)
			return
		}
		s.dispatcher.newMessage(p)
	default:
		s.logger.Debug("ignoring channel event", "type", env.Type)
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("channel heartbeat failed", "error", err)
				_ = conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

// drop handles the loss of conn. Stale connections already replaced by a
// retry are ignored.
func (s *Session) drop(conn Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	closed := s.closed
	if !closed {
		s.setStateLocked(StateDisconnected, nil)
	}
	s.mu.Unlock()
	if closed {
		return
	}

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	s.logger.Info("channel disconnected", "reason", reason)
	s.dispatcher.disconnected(reason)
}

// detach closes the current connection without emitting disconnect.
func (s *Session) detach(reason string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(reason)
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasConnected := s.conn != nil
	s.mu.Unlock()

	s.detach("client shutdown")

	s.mu.Lock()
	s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()
	if wasConnected {
		s.dispatcher.disconnected("client shutdown")
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the one shared channel of the process.
type ConnectionManager struct {
	url         string
	tokens      TokenSource
	dialer      Dialer
	logger      *slog.Logger
	heartbeat   time.Duration
	probeDelay  time.Duration
	dialTimeout time.Duration

	mu      sync.Mutex
	session *Session
}

type ConnOption func(*ConnectionManager)

func WithDialer(d Dialer) ConnOption {
	return func(m *ConnectionManager) { m.dialer = d }
}

func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(m *ConnectionManager) { m.logger = logger }
}

// WithHeartbeat sets the ping interval. Zero disables the heartbeat.
func WithHeartbeat(d time.Duration) ConnOption {
	return func(m *ConnectionManager) { m.heartbeat = d }
}

// WithProbeDelay sets how long Retry waits before reporting connectivity.
func WithProbeDelay(d time.Duration) ConnOption {
	return func(m *ConnectionManager) { m.probeDelay = d }
}

func WithDialTimeout(d time.Duration) ConnOption {
	return func(m *ConnectionManager) { m.dialTimeout = d }
}

// NewConnectionManager creates a manager for the channel at url. tokens is
// consulted when Initialize is called without an explicit token.
func NewConnectionManager(url string, tokens TokenSource, opts ...ConnOption) *ConnectionManager {
	m := &ConnectionManager{
		url:         url,
		tokens:      tokens,
		dialer:      WebsocketDialer{},
		logger:      slog.Default(),
		heartbeat:   25 * time.Second,
		probeDelay:  time.Second,
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize returns the existing session unchanged, or creates one and
// starts connecting with token (or the credential store's token when
// empty). It never fails; connect errors surface as StateError.
func (m *ConnectionManager) Initialize(ctx context.Context, token string) *Session {
	m.mu.Lock()
	if m.session != nil {
		s := m.session
		m.mu.Unlock()
		return s
	}
	if token == "" && m.tokens != nil {
		token = m.tokens.Token()
	}
	s := &Session{
		url:         m.url,
		dialer:      m.dialer,
		logger:      m.logger.With("component", "channel"),
		heartbeat:   m.heartbeat,
		dialTimeout: m.dialTimeout,
		token:       token,
		state:       StateConnecting,
		rooms:       make(map[string]struct{}),
		changed:     make(chan struct{}),
	}
	m.session = s
	m.mu.Unlock()

	go s.connect(ctx)
	return s
}

// Session returns the shared session, initializing it if needed.
func (m *ConnectionManager) Session(ctx context.Context) *Session {
	return m.Initialize(ctx, "")
}

// JoinRoom adds the conversation room. Failures are logged only.
func (m *ConnectionManager) JoinRoom(ctx context.Context, conversationID string) {
	m.Session(ctx).join(ctx, conversationID)
}

// LeaveRoom removes the conversation room. Failures are logged only.
func (m *ConnectionManager) LeaveRoom(ctx context.Context, conversationID string) {
	m.Session(ctx).leave(ctx, conversationID)
}

// Retry is the manual reconnect action: it redials when the channel is not
// connected, then probes connectivity after the fixed probe delay.
func (m *ConnectionManager) Retry(ctx context.Context) ConnState {
	s := m.Session(ctx)

	s.mu.Lock()
	st := s.state
	if st != StateConnected && st != StateConnecting && m.tokens != nil {
		if t := m.tokens.Token(); t != "" {
			s.token = t
		}
	}
	s.mu.Unlock()

	switch st {
	case StateConnected:
		return st
	case StateConnecting:
		return s.Wait(ctx)
	}

	s.detach("retry")
	s.connect(ctx)

	select {
	case <-time.After(m.probeDelay):
	case <-ctx.Done():
	}
	return s.State()
}

// Shutdown closes the shared channel. Only the application root calls it.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// errNotConnected reports whether err is the local not-connected failure.
func errNotConnected(err error) bool {
	var dmErr *Error
	return errors.As(err, &dmErr) && dmErr.Kind == KindConnection && dmErr.Err == nil
}
