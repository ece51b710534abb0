package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Prismer-AI/directmsg"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(newTestStore(t), testSecret, WithNow(func() time.Time { return t0 }))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// doJSON sends body as JSON and decodes the envelope.
func doJSON(t *testing.T, method, url, token, body string) (int, directmsg.Result) {
	t.Helper()
	req, _ := http.NewRequest(method, url, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var res directmsg.Result
	json.NewDecoder(resp.Body).Decode(&res)
	return resp.StatusCode, res
}

// ============================================================================
// Auth
// ============================================================================

func TestTokens(t *testing.T) {
	now := time.Now()
	tok, err := IssueToken(testSecret, "alice", time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	if sub, err := ParseToken(testSecret, tok); err != nil || sub != "alice" {
		t.Errorf("ParseToken = %q, %v", sub, err)
	}
	if _, err := ParseToken("other-secret", tok); err == nil {
		t.Error("wrong secret accepted")
	}

	expired, _ := IssueToken(testSecret, "alice", time.Minute, now.Add(-time.Hour))
	if _, err := ParseToken(testSecret, expired); err == nil {
		t.Error("expired token accepted")
	}
	if _, err := IssueToken(testSecret, "", time.Hour, now); err == nil {
		t.Error("token without subject issued")
	}
}

func TestAuthenticate(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		status, res := doJSON(t, "GET", ts.URL+"/api/messages/requests", "", "")
		if status != http.StatusUnauthorized || res.OK || res.Error == nil || res.Error.Code != directmsg.CodeUnauthorized {
			t.Errorf("status = %d, result = %+v", status, res)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		status, _ := doJSON(t, "GET", ts.URL+"/api/messages/requests", "garbage", "")
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d", status)
		}
	})

	t.Run("query token", func(t *testing.T) {
		status, res := doJSON(t, "GET", ts.URL+"/api/messages/requests?token="+tokenFor(t, "bob"), "", "")
		if status != http.StatusOK || !res.OK {
			t.Errorf("status = %d, result = %+v", status, res)
		}
	})

	t.Run("health is public", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestHealth(t *testing.T) {
	srv, ts := newTestServer(t)

	status, res := doJSON(t, "GET", ts.URL+"/health", "", "")
	if status != http.StatusOK || !res.OK {
		t.Fatalf("status = %d, result = %+v", status, res)
	}

	srv.store.Close()
	status, res = doJSON(t, "GET", ts.URL+"/health", "", "")
	if status != http.StatusServiceUnavailable || res.OK {
		t.Errorf("closed store: status = %d, result = %+v", status, res)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func TestHandlerValidation(t *testing.T) {
	_, ts := newTestServer(t)
	alice := tokenFor(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"blank request content", "POST", "/api/messages/requests", `{"receiverId":"bob","content":"  "}`},
		{"missing receiver", "POST", "/api/messages/requests", `{"content":"hi"}`},
		{"invalid json", "POST", "/api/messages/requests", `{`},
		{"unknown action", "PUT", "/api/messages/requests/r1", `{"action":"ignore"}`},
		{"blank message", "POST", "/api/messages/conversations/c1/messages", `{"content":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := doJSON(t, tt.method, ts.URL+tt.path, alice, tt.body)
			if status != http.StatusBadRequest || res.Error == nil || res.Error.Code != directmsg.CodeValidation {
				t.Errorf("status = %d, result = %+v", status, res)
			}
		})
	}
}

func TestHandlerCreateRequest(t *testing.T) {
	_, ts := newTestServer(t)

	status, res := doJSON(t, "POST", ts.URL+"/api/messages/requests", tokenFor(t, "alice"), `{"receiverId":"bob","content":" hi "}`)
	if status != http.StatusCreated || !res.OK {
		t.Fatalf("status = %d, result = %+v", status, res)
	}
	var req directmsg.MessageRequest
	if err := res.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Content != "hi" || req.Sender.ID != "alice" || req.Status != directmsg.StatusPending {
		t.Errorf("request = %+v", req)
	}

	status, res = doJSON(t, "GET", ts.URL+"/api/messages/requests/status/alice", tokenFor(t, "bob"), "")
	var st directmsg.RequestStatusResult
	res.Decode(&st)
	if status != http.StatusOK || st.Status != directmsg.StatusPending || st.RequestID != req.ID {
		t.Errorf("status = %d, %+v", status, st)
	}
}

// ============================================================================
// Hub
// ============================================================================

func dialHub(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tokenFor(t, userID)}},
	})
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	if err := wsjson.Write(context.Background(), conn, directmsg.Envelope{Type: eventType, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func waitRoom(t *testing.T, h *Hub, conversationID string, size int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.RoomSize(conversationID) != size {
		if time.Now().After(deadline) {
			t.Fatalf("room %s size = %d, want %d", conversationID, h.RoomSize(conversationID), size)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRelay(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()
	conv := mustAccept(t, srv.store, "alice", "bob")

	alice := dialHub(t, ts, "alice")
	bob := dialHub(t, ts, "bob")
	mallory := dialHub(t, ts, "mallory")
	for _, c := range []*websocket.Conn{alice, bob, mallory} {
		emit(t, c, directmsg.EventJoinConversation, directmsg.RoomPayload{ConversationID: conv.ID})
	}
	// mallory is not a participant and is never admitted.
	waitRoom(t, srv.Hub(), conv.ID, 2)

	// Unpersisted messages are dropped.
	emit(t, alice, directmsg.EventSendMessage, directmsg.PushedMessage{
		ConversationID: conv.ID,
		Message:        directmsg.Message{ID: "forged", Content: "fake"},
	})

	msg, err := srv.store.PostMessage(ctx, conv.ID, "alice", "hello", t0)
	if err != nil {
		t.Fatal(err)
	}
	// Only the sender may relay its message.
	emit(t, bob, directmsg.EventSendMessage, directmsg.PushedMessage{ConversationID: conv.ID, Message: *msg})
	emit(t, alice, directmsg.EventSendMessage, directmsg.PushedMessage{ConversationID: conv.ID, Message: *msg})

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var env directmsg.Envelope
	if err := wsjson.Read(readCtx, bob, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != directmsg.EventNewMessage {
		t.Fatalf("event = %s", env.Type)
	}
	var p directmsg.PushedMessage
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.ConversationID != conv.ID || p.Message.ID != msg.ID || p.Message.Content != "hello" {
		t.Errorf("pushed = %+v", p)
	}

	// The sending socket gets no echo.
	echoCtx, cancelEcho := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelEcho()
	if err := wsjson.Read(echoCtx, alice, &env); err == nil {
		t.Errorf("sender received %s", env.Type)
	}

	emit(t, bob, directmsg.EventLeaveConversation, directmsg.RoomPayload{ConversationID: conv.ID})
	waitRoom(t, srv.Hub(), conv.ID, 0)
}
