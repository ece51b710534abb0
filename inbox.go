package directmsg

import (
	"context"
	"log/slog"
	"sync"
)

// Inbox is the list of pending requests addressed to the current user,
// with per-item in-flight tracking for accept and decline.
type Inbox struct {
	requests   *RequestService
	logger     *slog.Logger
	onAccepted func(context.Context, *RespondResult)

	mu         sync.Mutex
	items      []MessageRequest
	processing map[string]bool
	err        error
	gen        int
}

type InboxOption func(*Inbox)

func WithInboxLogger(logger *slog.Logger) InboxOption {
	return func(in *Inbox) { in.logger = logger }
}

// WithOnAccepted registers fn to run after a successful accept, before the
// inbox re-fetches.
func WithOnAccepted(fn func(context.Context, *RespondResult)) InboxOption {
	return func(in *Inbox) { in.onAccepted = fn }
}

// NewInbox creates an empty inbox over requests.
func NewInbox(requests *RequestService, opts ...InboxOption) *Inbox {
	in := &Inbox{
		requests:   requests,
		logger:     slog.Default(),
		processing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.With("component", "inbox")
	return in
}

// Refresh re-fetches the pending list. On failure the previous list is
// kept and the error is retained in Err.
func (in *Inbox) Refresh(ctx context.Context) ([]MessageRequest, error) {
	in.mu.Lock()
	in.gen++
	gen := in.gen
	in.mu.Unlock()

	reqs, err := in.requests.List(ctx)

	in.mu.Lock()
	defer in.mu.Unlock()
	if gen != in.gen {
		return append([]MessageRequest(nil), in.items...), nil
	}
	if err != nil {
		in.err = err
		return append([]MessageRequest(nil), in.items...), err
	}
	in.items = reqs
	in.err = nil
	return append([]MessageRequest(nil), reqs...), nil
}

// Items returns the last fetched list.
func (in *Inbox) Items() []MessageRequest {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]MessageRequest(nil), in.items...)
}

// Err returns the error of the last failed refresh, or nil.
func (in *Inbox) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// Processing reports whether a response for requestID is in flight.
func (in *Inbox) Processing(requestID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.processing[requestID]
}

// Accept accepts requestID. A call while a response for the same request
// is in flight, including the re-fetch that follows it, is ignored and
// returns (nil, nil).
func (in *Inbox) Accept(ctx context.Context, requestID string) (*RespondResult, error) {
	return in.respond(ctx, requestID, ActionAccept)
}

// Decline declines requestID. A call while a response for the same request
// is in flight is ignored and returns (nil, nil).
func (in *Inbox) Decline(ctx context.Context, requestID string) (*RespondResult, error) {
	return in.respond(ctx, requestID, ActionDecline)
}

func (in *Inbox) respond(ctx context.Context, requestID string, action RequestAction) (*RespondResult, error) {
	in.mu.Lock()
	if in.processing[requestID] {
		in.mu.Unlock()
		in.logger.Debug("ignoring repeated response", "request_id", requestID, "action", action)
		return nil, nil
	}
	in.processing[requestID] = true
	in.mu.Unlock()
	// In flight until the follow-up refresh has landed.
	defer func() {
		in.mu.Lock()
		delete(in.processing, requestID)
		in.mu.Unlock()
	}()

	res, err := in.requests.Respond(ctx, requestID, action)

	if err == nil && action == ActionAccept && in.onAccepted != nil {
		in.onAccepted(ctx, res)
	}
	// The server may have created a conversation; never patch locally.
	if _, rerr := in.Refresh(ctx); rerr != nil {
		in.logger.Warn("inbox refresh after response failed", "error", rerr)
	}
	return res, err
}
