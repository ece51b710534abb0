package directmsg

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrThreadClosed is returned by operations on a closed Thread.
	ErrThreadClosed = errors.New("directmsg: thread closed")
	// ErrStale is returned when a history response was superseded by a
	// newer load or by Close and has been dropped.
	ErrStale = errors.New("directmsg: response superseded")
)

// LoadState is the history-load status of a Thread.
type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadReady   LoadState = "ready"
	LoadError   LoadState = "error"
)

// Thread keeps one gap-free, duplicate-free timeline for a conversation,
// merging fetched history, optimistic local sends and pushed events.
type Thread struct {
	conversationID string
	gateway        Gateway
	conns          *ConnectionManager
	identity       Identity
	clock          Clock
	loc            *time.Location
	logger         *slog.Logger
	newTempID      func() string
	onActivity     func(conversationID string, last MessageSummary)

	mu          sync.Mutex
	timeline    *Timeline
	other       *UserRef
	composer    string
	state       LoadState
	loadErr     error
	sendErr     error
	gen         int
	opened      bool
	closed      bool
	unsubscribe func()
	listeners   map[int]func()
	nextID      int
}

type ThreadOption func(*Thread)

func WithThreadClock(c Clock) ThreadOption {
	return func(t *Thread) { t.clock = c }
}

// WithLocation sets the calendar used for date separators.
func WithLocation(loc *time.Location) ThreadOption {
	return func(t *Thread) { t.loc = loc }
}

func WithThreadLogger(logger *slog.Logger) ThreadOption {
	return func(t *Thread) { t.logger = logger }
}

// WithTempIDs overrides the temporary id generator.
func WithTempIDs(gen func() string) ThreadOption {
	return func(t *Thread) { t.newTempID = gen }
}

// WithActivity registers a callback for every persisted or pushed message.
func WithActivity(fn func(conversationID string, last MessageSummary)) ThreadOption {
	return func(t *Thread) { t.onActivity = fn }
}

// NewThread creates a thread for conversationID. conns may be nil for a
// history-only thread without live updates.
func NewThread(conversationID string, gateway Gateway, conns *ConnectionManager, identity Identity, opts ...ThreadOption) *Thread {
	t := &Thread{
		conversationID: conversationID,
		gateway:        gateway,
		conns:          conns,
		identity:       identity,
		clock:          realClock{},
		loc:            time.Local,
		logger:         slog.Default(),
		newTempID:      func() string { return "temp-" + uuid.NewString() },
		timeline:       NewTimeline(nil),
		state:          LoadIdle,
		listeners:      make(map[int]func()),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "thread", "conversation_id", conversationID)
	return t
}

// ConversationID returns the conversation this thread shows.
func (t *Thread) ConversationID() string { return t.conversationID }

// ============================================================================
// Mount / unmount
// ============================================================================

// Open subscribes to pushed messages and joins the conversation room.
func (t *Thread) Open(ctx context.Context) {
	t.mu.Lock()
	if t.opened || t.closed {
		t.mu.Unlock()
		return
	}
	t.opened = true
	t.mu.Unlock()

	if t.conns == nil {
		return
	}
	unsubscribe := t.conns.Session(ctx).Subscribe(Handlers{
		OnNewMessage: func(p PushedMessage) { t.HandlePush(p) },
	})
	t.mu.Lock()
	t.unsubscribe = unsubscribe
	t.mu.Unlock()
	t.conns.JoinRoom(ctx, t.conversationID)
}

// Close leaves the room, removes the push handler and drops any in-flight
// history response. The shared channel stays open.
func (t *Thread) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.gen++
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	opened := t.opened
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if opened && t.conns != nil {
		t.conns.LeaveRoom(context.Background(), t.conversationID)
	}
}

// ============================================================================
// History
// ============================================================================

// LoadHistory fetches persisted messages and merges them into the
// timeline. On failure the timeline is left empty, State reports
// LoadError and calling LoadHistory again is the retry.
func (t *Thread) LoadHistory(ctx context.Context) ([]Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrThreadClosed
	}
	t.gen++
	gen := t.gen
	t.state = LoadLoading
	t.mu.Unlock()
	t.notify()

	msgs, err := t.gateway.ListMessages(ctx, t.conversationID)

	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return nil, ErrStale
	}
	if err != nil {
		t.timeline.Reset(nil)
		t.state = LoadError
		t.loadErr = err
		t.mu.Unlock()
		t.logger.Warn("history load failed", "error", err)
		t.notify()
		return nil, err
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = t.conversationID
		}
	}
	t.timeline.Merge(msgs)
	if t.other == nil {
		t.other = deriveOther(msgs, t.identity.UserID())
	}
	t.state = LoadReady
	t.loadErr = nil
	out := t.timeline.Messages()
	t.mu.Unlock()
	t.notify()
	return out, nil
}

// deriveOther guesses the other participant because the history endpoint
// does not return participants: the first sender that is not me, else the
// first recipient that is not me, else unknown (nil). An empty
// conversation always yields nil.
func deriveOther(msgs []Message, me string) *UserRef {
	for i := range msgs {
		if s := msgs[i].Sender; s.ID != "" && s.ID != me {
			return &s
		}
	}
	for i := range msgs {
		if r := msgs[i].Recipient; r != nil && r.ID != "" && r.ID != me {
			rc := *r
			return &rc
		}
	}
	return nil
}

// ============================================================================
// Send
// ============================================================================

// Send shows content immediately as an optimistic entry, persists it and
// replaces the entry in place with the confirmed message, then hints the
// other participant over the channel. On failure the entry is removed,
// content is restored to the composer and a recoverable *Error with code
// SEND_FAILED is returned.
func (t *Thread) Send(ctx context.Context, content string) error {
	if blank(content) {
		return validationError("message content is required")
	}

	me := t.identity.UserID()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrThreadClosed
	}
	tempID := t.newTempID()
	optimistic := Message{
		TempID:         tempID,
		ConversationID: t.conversationID,
		Sender:         UserRef{ID: me},
		Content:        content,
		CreatedAt:      t.clock.Now(),
		Optimistic:     true,
	}
	if t.other != nil {
		other := *t.other
		optimistic.Recipient = &other
	}
	t.timeline.Append(optimistic)
	t.composer = ""
	t.sendErr = nil
	t.mu.Unlock()
	t.notify()

	confirmed, err := t.gateway.PostMessage(ctx, t.conversationID, strings.TrimSpace(content))
	if err != nil {
		kind := KindOf(err)
		if kind == KindUnknown {
			kind = KindNetwork
		}
		sendErr := &Error{Kind: kind, Code: CodeSendFailed, Message: "send failed, retry", Err: err}

		t.mu.Lock()
		t.timeline.Remove(tempID)
		t.composer = content
		t.sendErr = sendErr
		t.mu.Unlock()
		t.logger.Warn("send failed", "temp_id", tempID, "error", err)
		t.notify()
		return sendErr
	}

	msg := *confirmed
	if msg.ConversationID == "" {
		msg.ConversationID = t.conversationID
	}
	if msg.Sender.ID == "" {
		msg.Sender.ID = me
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = optimistic.CreatedAt
	}

	t.mu.Lock()
	if !t.timeline.Confirm(tempID, msg) {
		t.timeline.Append(msg)
	}
	t.mu.Unlock()
	t.notify()
	t.activity(&msg)
	t.broadcast(ctx, msg)
	return nil
}

// RetrySend sends the composer content again after a failure.
func (t *Thread) RetrySend(ctx context.Context) error {
	return t.Send(ctx, t.Composer())
}

func (t *Thread) broadcast(ctx context.Context, msg Message) {
	if t.conns == nil {
		return
	}
	err := t.conns.Session(ctx).Emit(ctx, EventSendMessage, PushedMessage{ConversationID: t.conversationID, Message: msg})
	switch {
	case err == nil:
	case errNotConnected(err):
		t.logger.Debug("broadcast skipped, channel not connected", "message_id", msg.ID)
	default:
		t.logger.Warn("broadcast failed", "message_id", msg.ID, "error", err)
	}
}

// ============================================================================
// Push
// ============================================================================

// HandlePush applies a new_message event. Events for other conversations,
// from the current user, or already present are ignored. A message
// without a server id is keyed by its creation time and dropped only when
// that is missing too. It reports whether the message was appended.
func (t *Thread) HandlePush(p PushedMessage) bool {
	if p.ConversationID != t.conversationID {
		return false
	}
	me := t.identity.UserID()
	msg := p.Message
	if msg.Sender.ID == me {
		return false
	}
	msg.TempID = ""
	msg.Optimistic = false
	if msg.ID == "" {
		if msg.CreatedAt.IsZero() {
			t.logger.Debug("dropping pushed message without id or timestamp")
			return false
		}
		msg.TempID = pushKey(msg.CreatedAt)
	}
	msg.ConversationID = t.conversationID

	t.mu.Lock()
	if t.closed || !t.timeline.Append(msg) {
		t.mu.Unlock()
		return false
	}
	if t.other == nil && msg.Sender.ID != "" {
		sender := msg.Sender
		t.other = &sender
	}
	t.mu.Unlock()
	t.notify()
	t.activity(&msg)
	return true
}

// pushKey is the local key of a pushed message the server sent without
// an id.
func pushKey(at time.Time) string {
	return "push-" + strconv.FormatInt(at.UnixNano(), 10)
}

func (t *Thread) activity(m *Message) {
	if t.onActivity != nil {
		t.onActivity(t.conversationID, m.Summary())
	}
}

// ============================================================================
// Accessors
// ============================================================================

// Messages returns the timeline in display order.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeline.Messages()
}

// Items returns display rows with date separators and sender grouping.
func (t *Thread) Items() []TimelineItem {
	return Items(t.Messages(), t.loc)
}

// Other returns the derived other participant, or nil while unknown.
func (t *Thread) Other() *UserRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.other == nil {
		return nil
	}
	o := *t.other
	return &o
}

// Composer returns the composer text.
func (t *Thread) Composer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.composer
}

// SetComposer replaces the composer text.
func (t *Thread) SetComposer(s string) {
	t.mu.Lock()
	t.composer = s
	t.mu.Unlock()
}

// State returns the history-load state and the last load error.
func (t *Thread) State() (LoadState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.loadErr
}

// SendError returns the last send failure, cleared by the next Send.
func (t *Thread) SendError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendErr
}

// OnChange registers fn to run after every timeline or state change. The
// returned function removes it.
func (t *Thread) OnChange(fn func()) (remove func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// notify runs the listeners in registration order.
func (t *Thread) notify() {
	t.mu.Lock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.listeners[id])
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
