package directmsg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the structured error body returned by the gateway.
// ConversationID and Status are populated on conflicts so callers can
// re-derive request state without another round trip.
type APIError struct {
	Code           string        `json:"code"`
	Message        string        `json:"message"`
	ConversationID string        `json:"conversationId,omitempty"`
	Status         RequestStatus `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic gateway response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Users
// ============================================================================

// UserRef is a minimal user profile. On the wire it is either a bare id
// string or an object carrying "_id" (or "id").
type UserRef struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*u = UserRef{ID: id}
		return nil
	}
	var raw struct {
		MongoID  string `json:"_id"`
		ID       string `json:"id"`
		Username string `json:"username"`
		Avatar   string `json:"avatar"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("user reference: %w", err)
	}
	u.ID = raw.MongoID
	if u.ID == "" {
		u.ID = raw.ID
	}
	u.Username = raw.Username
	u.Avatar = raw.Avatar
	return nil
}

// DisplayName returns the username, falling back to the id.
func (u UserRef) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// ============================================================================
// Message Requests
// ============================================================================

// RequestStatus is the state of a message request. StatusNone is never
// stored; it is the absence of a request between two users.
type RequestStatus string

const (
	StatusNone     RequestStatus = "none"
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusDeclined RequestStatus = "declined"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusDeclined
}

// RequestAction is a response to a pending request.
type RequestAction string

const (
	ActionAccept  RequestAction = "accept"
	ActionDecline RequestAction = "decline"
)

// MessageRequest is a consent object that must be accepted before two
// users can exchange messages.
type MessageRequest struct {
	ID        string        `json:"_id"`
	Sender    UserRef       `json:"sender"`
	Receiver  UserRef       `json:"receiver"`
	Content   string        `json:"content"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// RespondResult is returned by a respond call. Conversation is set only
// when the request was accepted.
type RespondResult struct {
	Request      MessageRequest `json:"request"`
	Conversation *Conversation  `json:"conversation,omitempty"`
}

// RequestStatusResult is the read-only status projection between the
// current user and a receiver.
type RequestStatusResult struct {
	Status         RequestStatus `json:"status"`
	RequestID      string        `json:"requestId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// MessageSummary is the denormalized last message of a conversation.
type MessageSummary struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  string    `json:"sender"`
}

// Conversation is a two-party container for messages.
type Conversation struct {
	ID           string          `json:"_id"`
	Participants []UserRef       `json:"participants"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Other returns the participant whose id differs from currentUserID.
func (c *Conversation) Other(currentUserID string) *UserRef {
	for i := range c.Participants {
		if c.Participants[i].ID != currentUserID {
			p := c.Participants[i]
			return &p
		}
	}
	return nil
}

// ActiveAt is the ordering key: last message time, else updatedAt.
func (c *Conversation) ActiveAt() time.Time {
	if c.LastMessage != nil && !c.LastMessage.CreatedAt.IsZero() {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// ============================================================================
// Messages
// ============================================================================

// Message is either a server-confirmed entry (ID set) or a locally
// originated optimistic entry (TempID set, Optimistic true). Confirmed
// entries the server returned without an id keep a local TempID. TempID
// and Optimistic never leave the process.
type Message struct {
	ID             string    `json:"_id,omitempty"`
	TempID         string    `json:"-"`
	ConversationID string    `json:"conversationId"`
	Sender         UserRef   `json:"sender"`
	Recipient      *UserRef  `json:"recipient,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Optimistic     bool      `json:"-"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var raw struct {
		plain
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.plain)
	if m.ID == "" {
		m.ID = raw.AltID
	}
	return nil
}

// Key identifies the entry in a timeline: the server id when known,
// otherwise the local temporary id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Pending reports an optimistic entry that has not been confirmed.
func (m *Message) Pending() bool {
	return m.Optimistic && m.ID == ""
}

// Summary builds the conversation-list projection of m.
func (m *Message) Summary() MessageSummary {
	return MessageSummary{Content: m.Content, CreatedAt: m.CreatedAt, SenderID: m.Sender.ID}
}

// PushedMessage is a new_message event. The payload is either a bare
// message or {conversationId, message}.
type PushedMessage struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

func (p *PushedMessage) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		ConversationID string          `json:"conversationId"`
		Message        json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("new_message payload: %w", err)
	}
	if len(wrapped.Message) > 0 && !bytes.Equal(bytes.TrimSpace(wrapped.Message), []byte("null")) {
		if err := json.Unmarshal(wrapped.Message, &p.Message); err != nil {
			return fmt.Errorf("new_message payload: %w", err)
		}
		p.ConversationID = wrapped.ConversationID
	} else {
		if err := json.Unmarshal(data, &p.Message); err != nil {
			return fmt.Errorf("new_message payload: %w", err)
		}
		p.ConversationID = p.Message.ConversationID
	}
	if p.ConversationID == "" {
		p.ConversationID = p.Message.ConversationID
	}
	if p.Message.ConversationID == "" {
		p.Message.ConversationID = p.ConversationID
	}
	return nil
}

// blank reports content that is empty after trimming whitespace.
func blank(content string) bool {
	return strings.TrimSpace(content) == ""
}
