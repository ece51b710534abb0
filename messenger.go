package directmsg

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Principal supplies the bearer token and the current user's id.
type Principal interface {
	TokenSource
	Identity
}

// Config configures a Messenger. Zero fields take defaults.
type Config struct {
	BaseURL string
	// ChannelURL defaults to BaseURL with a ws scheme and /ws path.
	ChannelURL string
	Timeout    time.Duration
	// HeartbeatInterval is the channel ping interval. Negative disables it.
	HeartbeatInterval time.Duration
	ProbeDelay        time.Duration
	DialTimeout       time.Duration
	// Location is the calendar used for date separators.
	Location *time.Location

	HTTPClient *http.Client
	// Gateway replaces the HTTP client, e.g. in tests.
	Gateway Gateway
	Dialer  Dialer
	Clock   Clock
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = 0
	}
	if c.ProbeDelay == 0 {
		c.ProbeDelay = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Messenger is the application root of the messaging subsystem. It owns
// the shared channel; threads opened from it borrow that channel and never
// close it.
type Messenger struct {
	Gateway       Gateway
	Conns         *ConnectionManager
	Requests      *RequestService
	Conversations *ConversationStore
	Inbox         *Inbox

	principal Principal
	cfg       Config
	logger    *slog.Logger
}

// New wires the components for principal. No network I/O happens until
// the first operation.
func New(cfg Config, principal Principal) *Messenger {
	cfg.defaults()

	client := NewClient(principal,
		WithBaseURL(cfg.BaseURL),
		WithClientLogger(cfg.Logger),
	)
	if cfg.HTTPClient != nil {
		WithHTTPClient(cfg.HTTPClient)(client)
	} else {
		WithTimeout(cfg.Timeout)(client)
	}
	gateway := cfg.Gateway
	if gateway == nil {
		gateway = client
	}
	if cfg.ChannelURL == "" {
		cfg.ChannelURL = client.WSURL()
	}

	m := &Messenger{
		Gateway:   gateway,
		principal: principal,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
	m.Conns = NewConnectionManager(cfg.ChannelURL, principal,
		WithDialer(cfg.Dialer),
		WithConnLogger(cfg.Logger),
		WithHeartbeat(cfg.HeartbeatInterval),
		WithProbeDelay(cfg.ProbeDelay),
		WithDialTimeout(cfg.DialTimeout),
	)
	m.Requests = NewRequestService(gateway, cfg.Logger)
	m.Conversations = NewConversationStore(gateway, principal, cfg.Logger)
	m.Inbox = NewInbox(m.Requests,
		WithInboxLogger(cfg.Logger),
		WithOnAccepted(func(ctx context.Context, _ *RespondResult) {
			if err := m.Conversations.Refresh(ctx); err != nil {
				m.logger.Warn("conversation refresh after accept failed", "error", err)
			}
		}),
	)
	return m
}

// Connect initializes the shared channel.
func (m *Messenger) Connect(ctx context.Context) *Session {
	return m.Conns.Initialize(ctx, "")
}

// Retry is the manual reconnect action.
func (m *Messenger) Retry(ctx context.Context) ConnState {
	return m.Conns.Retry(ctx)
}

// NewThread creates an unopened thread wired to the shared channel and the
// conversation list.
func (m *Messenger) NewThread(conversationID string) *Thread {
	return NewThread(conversationID, m.Gateway, m.Conns, m.principal,
		WithThreadClock(m.cfg.Clock),
		WithLocation(m.cfg.Location),
		WithThreadLogger(m.logger),
		WithActivity(m.Conversations.Touch),
	)
}

// OpenThread opens a thread and loads its history. On a load failure the
// open thread is still returned so the caller can retry LoadHistory.
func (m *Messenger) OpenThread(ctx context.Context, conversationID string) (*Thread, error) {
	if conversationID == "" {
		return nil, validationError("conversation id is required")
	}
	th := m.NewThread(conversationID)
	th.Open(ctx)
	if _, err := th.LoadHistory(ctx); err != nil {
		return th, err
	}
	return th, nil
}

// MessageAction decides what the "Message" affordance for receiverID does.
func (m *Messenger) MessageAction(ctx context.Context, receiverID string) (ContactAction, *RequestStatusResult, error) {
	st, err := m.Requests.Status(ctx, receiverID)
	if err != nil {
		return ActionCompose, nil, err
	}
	return ActionFor(*st), st, nil
}

// StartResult is the outcome of StartConversation.
type StartResult struct {
	Action         ContactAction
	Status         RequestStatus
	ConversationID string
	// Request is set when a new request was created.
	Request *MessageRequest
}

// StartConversation contacts receiverID: it navigates to an existing
// conversation, reports a pending request, or creates a new request with
// content. Expected conflicts from Create become results, not errors.
func (m *Messenger) StartConversation(ctx context.Context, receiverID, content string) (*StartResult, error) {
	if receiverID == "" {
		return nil, validationError("receiver is required")
	}
	if blank(content) {
		return nil, validationError("message content is required")
	}

	st, err := m.Requests.Status(ctx, receiverID)
	switch {
	case err != nil:
		m.logger.Info("request status unavailable, creating request", "receiver_id", receiverID, "error", err)
	case st.Status == StatusPending || st.Status == StatusAccepted:
		return &StartResult{Action: ActionFor(*st), Status: st.Status, ConversationID: st.ConversationID}, nil
	}

	req, err := m.Requests.Create(ctx, receiverID, content)
	if err != nil {
		if derived, ok := StatusFromError(err); ok {
			return &StartResult{Action: ActionFor(derived), Status: derived.Status, ConversationID: derived.ConversationID}, nil
		}
		return nil, err
	}
	return &StartResult{Action: ActionShowPending, Status: StatusPending, Request: req}, nil
}

// Shutdown closes the shared channel and drops in-flight list refreshes.
func (m *Messenger) Shutdown() {
	m.Conversations.Close()
	m.Conns.Shutdown()
}
