package directmsg

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errNotStubbed = errors.New("not stubbed")

// fakeGateway is a Gateway whose operations are supplied per test.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int

	createRequest      func(receiverID, content string) (*MessageRequest, error)
	listRequests       func() ([]MessageRequest, error)
	respondRequest     func(requestID string, action RequestAction) (*RespondResult, error)
	checkRequestStatus func(receiverID string) (*RequestStatusResult, error)
	listConversations  func() ([]Conversation, error)
	listMessages       func(conversationID string) ([]Message, error)
	postMessage        func(conversationID, content string) (*Message, error)
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) record(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[op]++
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) CreateRequest(ctx context.Context, receiverID, content string) (*MessageRequest, error) {
	g.record("CreateRequest")
	if g.createRequest == nil {
		return nil, errNotStubbed
	}
	return g.createRequest(receiverID, content)
}

func (g *fakeGateway) ListRequests(ctx context.Context) ([]MessageRequest, error) {
	g.record("ListRequests")
	if g.listRequests == nil {
		return nil, nil
	}
	return g.listRequests()
}

func (g *fakeGateway) RespondRequest(ctx context.Context, requestID string, action RequestAction) (*RespondResult, error) {
	g.record("RespondRequest")
	if g.respondRequest == nil {
		return nil, errNotStubbed
	}
	return g.respondRequest(requestID, action)
}

func (g *fakeGateway) CheckRequestStatus(ctx context.Context, receiverID string) (*RequestStatusResult, error) {
	g.record("CheckRequestStatus")
	if g.checkRequestStatus == nil {
		return &RequestStatusResult{Status: StatusNone}, nil
	}
	return g.checkRequestStatus(receiverID)
}

func (g *fakeGateway) ListConversations(ctx context.Context) ([]Conversation, error) {
	g.record("ListConversations")
	if g.listConversations == nil {
		return nil, nil
	}
	return g.listConversations()
}

func (g *fakeGateway) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	g.record("ListMessages")
	if g.listMessages == nil {
		return nil, nil
	}
	return g.listMessages(conversationID)
}

func (g *fakeGateway) PostMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	g.record("PostMessage")
	if g.postMessage == nil {
		return nil, errNotStubbed
	}
	return g.postMessage(conversationID, content)
}

// fakeConn is an in-memory channel connection. Tests push server events
// with deliver and inspect client commands with sent.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, _ := json.Marshal(Envelope{Type: eventType, Payload: raw})
	c.in <- data
}

// sent returns the commands of type eventType written so far.
func (c *fakeConn) sent(eventType string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, env := range c.written {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fakeConns, or fails with err when set.
type fakeDialer struct {
	mu     sync.Mutex
	err    error
	tokens []string
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestManager(d Dialer, creds *Credentials) *ConnectionManager {
	var tokens TokenSource
	if creds != nil {
		tokens = creds
	}
	return NewConnectionManager("ws://test/ws", tokens,
		WithDialer(d),
		WithHeartbeat(0),
		WithProbeDelay(10*time.Millisecond),
	)
}

// connected initializes m and waits for the channel to connect.
func connected(t *testing.T, m *ConnectionManager) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s := m.Initialize(ctx, "")
	if st := s.Wait(ctx); st != StateConnected {
		t.Fatalf("state = %s, want connected", st)
	}
	return s
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 1, hour, min, 0, 0, time.UTC)
}
