package directmsg

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// ConversationView is a conversation with its resolved other participant.
type ConversationView struct {
	Conversation
	// Other is nil when the participants list does not contain a second
	// member.
	Other *UserRef
}

// ConversationStore is the authoritative conversation list of the current
// user, most recently active first.
type ConversationStore struct {
	gateway  Gateway
	identity Identity
	logger   *slog.Logger

	mu     sync.Mutex
	items  []ConversationView
	loaded bool
	err    error
	gen    int
	closed bool
}

// NewConversationStore creates an empty store.
func NewConversationStore(gateway Gateway, identity Identity, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		gateway:  gateway,
		identity: identity,
		logger:   logger.With("component", "conversations"),
	}
}

// List returns the cached list, fetching it on first use.
func (s *ConversationStore) List(ctx context.Context) ([]ConversationView, error) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		if err := s.Refresh(ctx); err != nil {
			return s.Snapshot(), err
		}
	}
	return s.Snapshot(), nil
}

// Refresh re-fetches the list. On failure the last known list is kept and
// the error is retained in Err until the next successful refresh. A
// response that arrives after a newer refresh started, or after Close, is
// dropped.
func (s *ConversationStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	convs, err := s.gateway.ListConversations(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return nil
	}
	if err != nil {
		s.err = err
		s.logger.Warn("conversation refresh failed", "error", err, "kept", len(s.items))
		return err
	}

	me := s.identity.UserID()
	items := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		items = append(items, ConversationView{Conversation: c, Other: c.Other(me)})
	}
	sortByActivity(items)
	s.items = items
	s.loaded = true
	s.err = nil
	return nil
}

// Err returns the error of the last failed refresh, or nil.
func (s *ConversationStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns a copy of the current list.
func (s *ConversationStore) Snapshot() []ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConversationView(nil), s.items...)
}

// Get returns the conversation with id, if known.
func (s *ConversationStore) Get(id string) (ConversationView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.ID == id {
			return c, true
		}
	}
	return ConversationView{}, false
}

// Touch records a new message in a known conversation and re-sorts.
// Unknown conversations are left for the next Refresh.
func (s *ConversationStore) Touch(conversationID string, last MessageSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID != conversationID {
			continue
		}
		cur := s.items[i].LastMessage
		if cur != nil && cur.CreatedAt.After(last.CreatedAt) {
			return
		}
		summary := last
		s.items[i].LastMessage = &summary
		if last.CreatedAt.After(s.items[i].UpdatedAt) {
			s.items[i].UpdatedAt = last.CreatedAt
		}
		sortByActivity(s.items)
		return
	}
}

// Close drops any in-flight refresh.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func sortByActivity(items []ConversationView) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ActiveAt().After(items[j].ActiveAt())
	})
}
