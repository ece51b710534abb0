package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Prismer-AI/directmsg"
)

// Failure is an expected error with the HTTP status and the body the
// gateway returns for it.
type Failure struct {
	Status int
	Body   directmsg.APIError
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%d %s: %s", f.Status, f.Body.Code, f.Body.Message)
}

func fail(status int, code, msg string) *Failure {
	return &Failure{Status: status, Body: directmsg.APIError{Code: code, Message: msg}}
}

// RateLimit bounds how many requests one sender may create for the same
// receiver within Window. Max <= 0 disables the limit.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Store persists requests, conversations and messages in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: keeps :memory: shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_pair ON requests(sender_id, receiver_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_receiver ON requests(receiver_id, status);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		last_content TEXT,
		last_sender TEXT,
		last_at INTEGER,
		updated_at INTEGER NOT NULL,
		UNIQUE(user_a, user_b)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// pair orders two user ids so the unordered pair has one key.
func pair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// ============================================================================
// Requests
// ============================================================================

// CreateRequest stores a pending request from senderID to receiverID.
func (s *Store) CreateRequest(ctx context.Context, senderID, receiverID, content string, now time.Time, limit RateLimit) (*directmsg.MessageRequest, error) {
	if senderID == receiverID {
		return nil, fail(http.StatusBadRequest, directmsg.CodeValidation, "cannot send a request to yourself")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	conv, err := conversationForPair(ctx, tx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		f := fail(http.StatusConflict, directmsg.CodeConversationExists, "conversation already exists")
		f.Body.ConversationID = conv.ID
		f.Body.Status = directmsg.StatusAccepted
		return nil, f
	}

	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE status = 'pending'
		  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`,
		senderID, receiverID, receiverID, senderID).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if pending > 0 {
		f := fail(http.StatusConflict, directmsg.CodeRequestPending, "a request is already pending")
		f.Body.Status = directmsg.StatusPending
		return nil, f
	}

	if limit.Max > 0 {
		var recent int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM requests
			WHERE sender_id = ? AND receiver_id = ? AND created_at >= ?`,
			senderID, receiverID, now.Add(-limit.Window).UnixNano()).Scan(&recent)
		if err != nil {
			return nil, fmt.Errorf("count recent: %w", err)
		}
		if recent >= limit.Max {
			return nil, fail(http.StatusTooManyRequests, directmsg.CodeRateLimited, "too many requests to this user, try again later")
		}
	}

	req := &directmsg.MessageRequest{
		ID:        uuid.NewString(),
		Sender:    directmsg.UserRef{ID: senderID},
		Receiver:  directmsg.UserRef{ID: receiverID},
		Content:   content,
		Status:    directmsg.StatusPending,
		CreatedAt: now.UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (id, sender_id, receiver_id, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, senderID, receiverID, content, string(req.Status), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return req, nil
}

func scanRequest(row interface{ Scan(...interface{}) error }) (*directmsg.MessageRequest, error) {
	var req directmsg.MessageRequest
	var status string
	var createdAt int64
	if err := row.Scan(&req.ID, &req.Sender.ID, &req.Receiver.ID, &req.Content, &status, &createdAt); err != nil {
		return nil, err
	}
	req.Status = directmsg.RequestStatus(status)
	req.CreatedAt = fromNanos(createdAt)
	return &req, nil
}

// ListPendingRequests returns pending requests addressed to receiverID,
// newest first.
func (s *Store) ListPendingRequests(ctx context.Context, receiverID string) ([]directmsg.MessageRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, status, created_at
		FROM requests WHERE receiver_id = ? AND status = 'pending'
		ORDER BY created_at DESC`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	out := []directmsg.MessageRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// RespondRequest applies action to requestID on behalf of actorID, who
// must be the receiver. Accepting creates or reuses the conversation of
// the pair.
func (s *Store) RespondRequest(ctx context.Context, requestID, actorID string, action directmsg.RequestAction, now time.Time) (*directmsg.RespondResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	req, err := scanRequest(tx.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, content, status, created_at
		FROM requests WHERE id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fail(http.StatusNotFound, directmsg.CodeNotFound, "request not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	if req.Receiver.ID != actorID {
		return nil, fail(http.StatusForbidden, directmsg.CodeUnauthorized, "only the receiver can respond")
	}

	next, err := directmsg.NextStatus(req.Status, action)
	if err != nil {
		var dmErr *directmsg.Error
		if errors.As(err, &dmErr) && dmErr.Code == directmsg.CodeRequestResolved {
			f := fail(http.StatusConflict, directmsg.CodeRequestResolved, dmErr.Message)
			f.Body.Status = req.Status
			if conv, cerr := conversationForPair(ctx, tx, req.Sender.ID, req.Receiver.ID); cerr == nil && conv != nil {
				f.Body.ConversationID = conv.ID
			}
			return nil, f
		}
		return nil, fail(http.StatusBadRequest, directmsg.CodeValidation, err.Error())
	}

	if _, err := tx.ExecContext(ctx, `UPDATE requests SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), now.UnixNano(), requestID); err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}
	req.Status = next

	res := &directmsg.RespondResult{Request: *req}
	if next == directmsg.StatusAccepted {
		conv, err := conversationForPair(ctx, tx, req.Sender.ID, req.Receiver.ID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			conv, err = createConversation(ctx, tx, req.Sender.ID, req.Receiver.ID, now)
			if err != nil {
				return nil, err
			}
		}
		res.Conversation = conv
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// RequestStatus projects the request state between me and other.
func (s *Store) RequestStatus(ctx context.Context, me, other string) (*directmsg.RequestStatusResult, error) {
	conv, err := conversationForPair(ctx, s.db, me, other)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return &directmsg.RequestStatusResult{Status: directmsg.StatusAccepted, ConversationID: conv.ID}, nil
	}

	var id, status string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, status FROM requests
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at DESC LIMIT 1`, me, other, other, me).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return &directmsg.RequestStatusResult{Status: directmsg.StatusNone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query request status: %w", err)
	}
	return &directmsg.RequestStatusResult{Status: directmsg.RequestStatus(status), RequestID: id}, nil
}

// ============================================================================
// Conversations
// ============================================================================

const conversationColumns = `id, user_a, user_b, last_content, last_sender, last_at, updated_at`

func scanConversation(row interface{ Scan(...interface{}) error }) (*directmsg.Conversation, error) {
	var conv directmsg.Conversation
	var a, b string
	var lastContent, lastSender sql.NullString
	var lastAt sql.NullInt64
	var updatedAt int64
	if err := row.Scan(&conv.ID, &a, &b, &lastContent, &lastSender, &lastAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.Participants = []directmsg.UserRef{{ID: a}, {ID: b}}
	conv.UpdatedAt = fromNanos(updatedAt)
	if lastAt.Valid {
		conv.LastMessage = &directmsg.MessageSummary{
			Content:   lastContent.String,
			SenderID:  lastSender.String,
			CreatedAt: fromNanos(lastAt.Int64),
		}
	}
	return &conv, nil
}

func conversationForPair(ctx context.Context, q querier, u1, u2 string) (*directmsg.Conversation, error) {
	a, b := pair(u1, u2)
	conv, err := scanConversation(q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_a = ? AND user_b = ?`, a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return conv, nil
}

func createConversation(ctx context.Context, q querier, u1, u2 string, now time.Time) (*directmsg.Conversation, error) {
	a, b := pair(u1, u2)
	conv := &directmsg.Conversation{
		ID:           uuid.NewString(),
		Participants: []directmsg.UserRef{{ID: a}, {ID: b}},
		UpdatedAt:    now.UTC(),
	}
	_, err := q.ExecContext(ctx, `INSERT INTO conversations (id, user_a, user_b, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, a, b, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// Conversation returns the conversation with id if userID participates in
// it, and a NOT_FOUND failure otherwise.
func (s *Store) Conversation(ctx context.Context, id, userID string) (*directmsg.Conversation, error) {
	return conversationFor(ctx, s.db, id, userID)
}

func conversationFor(ctx context.Context, q querier, id, userID string) (*directmsg.Conversation, error) {
	conv, err := scanConversation(q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fail(http.StatusNotFound, directmsg.CodeNotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if conv.Participants[0].ID != userID && conv.Participants[1].ID != userID {
		return nil, fail(http.StatusNotFound, directmsg.CodeNotFound, "conversation not found")
	}
	return conv, nil
}

// ListConversations returns userID's conversations, most recently active
// first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]directmsg.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE user_a = ? OR user_b = ?
		ORDER BY COALESCE(last_at, updated_at) DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := []directmsg.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// ============================================================================
// Messages
// ============================================================================

func scanMessage(row interface{ Scan(...interface{}) error }) (*directmsg.Message, error) {
	var msg directmsg.Message
	var recipient string
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Sender.ID, &recipient, &msg.Content, &createdAt); err != nil {
		return nil, err
	}
	msg.Recipient = &directmsg.UserRef{ID: recipient}
	msg.CreatedAt = fromNanos(createdAt)
	return &msg, nil
}

// ListMessages returns the messages of conversationID, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID string) ([]directmsg.Message, error) {
	if _, err := s.Conversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []directmsg.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// Message returns one persisted message.
func (s *Store) Message(ctx context.Context, id string) (*directmsg.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, recipient_id, content, created_at
		FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fail(http.StatusNotFound, directmsg.CodeNotFound, "message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}

// PostMessage persists a message from senderID and updates the
// conversation's last message.
func (s *Store) PostMessage(ctx context.Context, conversationID, senderID, content string, now time.Time) (*directmsg.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	conv, err := conversationFor(ctx, tx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	recipient := conv.Other(senderID)

	msg := &directmsg.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         directmsg.UserRef{ID: senderID},
		Recipient:      recipient,
		Content:        content,
		CreatedAt:      now.UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, senderID, recipient.ID, content, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_content = ?, last_sender = ?, last_at = ?, updated_at = ?
		WHERE id = ?`,
		content, senderID, now.UnixNano(), now.UnixNano(), conversationID)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}
