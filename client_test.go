package directmsg

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]string
}

// newGatewayServer serves a fixed status and body and records the last
// request.
func newGatewayServer(t *testing.T, status int, body string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.Method = r.Method
		rec.Path = r.URL.EscapedPath()
		rec.Auth = r.Header.Get("Authorization")
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &rec.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestClient(baseURL string) *Client {
	return NewClient(NewCredentials("test-token", "u1"), WithBaseURL(baseURL), WithTimeout(5*time.Second))
}

// ============================================================================
// Gateway Methods
// ============================================================================

func TestClientRequests(t *testing.T) {
	tests := []struct {
		name       string
		call       func(c *Client) error
		wantMethod string
		wantPath   string
		wantBody   map[string]string
	}{
		{
			name: "create request",
			call: func(c *Client) error {
				_, err := c.CreateRequest(context.Background(), "u2", "hi")
				return err
			},
			wantMethod: "POST",
			wantPath:   "/api/messages/requests",
			wantBody:   map[string]string{"receiverId": "u2", "content": "hi"},
		},
		{
			name: "respond",
			call: func(c *Client) error {
				_, err := c.RespondRequest(context.Background(), "r/1", ActionDecline)
				return err
			},
			wantMethod: "PUT",
			wantPath:   "/api/messages/requests/r%2F1",
			wantBody:   map[string]string{"action": "decline"},
		},
		{
			name: "status",
			call: func(c *Client) error {
				_, err := c.CheckRequestStatus(context.Background(), "u2")
				return err
			},
			wantMethod: "GET",
			wantPath:   "/api/messages/requests/status/u2",
		},
		{
			name: "post message",
			call: func(c *Client) error {
				_, err := c.PostMessage(context.Background(), "c1", "hello")
				return err
			},
			wantMethod: "POST",
			wantPath:   "/api/messages/conversations/c1/messages",
			wantBody:   map[string]string{"content": "hello"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newGatewayServer(t, http.StatusOK, `{"ok":true,"data":{}}`)
			if err := tt.call(newTestClient(srv.URL)); err != nil {
				t.Fatalf("call: %v", err)
			}
			if rec.Method != tt.wantMethod || rec.Path != tt.wantPath {
				t.Errorf("request = %s %s, want %s %s", rec.Method, rec.Path, tt.wantMethod, tt.wantPath)
			}
			if rec.Auth != "Bearer test-token" {
				t.Errorf("Authorization = %q", rec.Auth)
			}
			for k, v := range tt.wantBody {
				if rec.Body[k] != v {
					t.Errorf("body[%s] = %q, want %q", k, rec.Body[k], v)
				}
			}
		})
	}
}

func TestClientDecoding(t *testing.T) {
	t.Run("messages with both id shapes", func(t *testing.T) {
		srv, _ := newGatewayServer(t, http.StatusOK, `{"ok":true,"data":[
			{"_id":"m1","conversationId":"c1","sender":{"_id":"u1","username":"alice"},"content":"hi","createdAt":"2026-03-01T10:00:00Z"},
			{"id":"m2","conversationId":"c1","sender":"u2","recipient":"u1","content":"yo","createdAt":"2026-03-01T10:01:00Z"}
		]}`)
		msgs, err := newTestClient(srv.URL).ListMessages(context.Background(), "c1")
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("len = %d", len(msgs))
		}
		if msgs[0].ID != "m1" || msgs[0].Sender.DisplayName() != "alice" {
			t.Errorf("msgs[0] = %+v", msgs[0])
		}
		if msgs[1].ID != "m2" || msgs[1].Sender.ID != "u2" || msgs[1].Recipient == nil || msgs[1].Recipient.ID != "u1" {
			t.Errorf("msgs[1] = %+v", msgs[1])
		}
	})

	t.Run("respond with conversation", func(t *testing.T) {
		srv, _ := newGatewayServer(t, http.StatusOK, `{"ok":true,"data":{
			"request":{"_id":"r1","sender":"u2","receiver":"u1","content":"hi","status":"accepted"},
			"conversation":{"_id":"c1","participants":[{"_id":"u1"},{"_id":"u2"}]}
		}}`)
		res, err := newTestClient(srv.URL).RespondRequest(context.Background(), "r1", ActionAccept)
		if err != nil {
			t.Fatalf("RespondRequest: %v", err)
		}
		if res.Request.Status != StatusAccepted || res.Conversation == nil || res.Conversation.Other("u1").ID != "u2" {
			t.Errorf("result = %+v", res)
		}
	})
}

// ============================================================================
// Errors
// ============================================================================

func TestClientErrors(t *testing.T) {
	t.Run("conversation exists", func(t *testing.T) {
		srv, _ := newGatewayServer(t, http.StatusConflict,
			`{"ok":false,"error":{"code":"CONVERSATION_EXISTS","message":"already talking","conversationId":"c9","status":"accepted"}}`)
		_, err := newTestClient(srv.URL).CreateRequest(context.Background(), "u2", "hi")

		var dmErr *Error
		if !errors.As(err, &dmErr) {
			t.Fatalf("err = %T %v", err, err)
		}
		if dmErr.Kind != KindConflict || dmErr.Code != CodeConversationExists || dmErr.ConversationID != "c9" {
			t.Errorf("error = %+v", dmErr)
		}
		st, ok := StatusFromError(err)
		if !ok || st.Status != StatusAccepted || st.ConversationID != "c9" {
			t.Errorf("derived = %+v, %v", st, ok)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		srv, _ := newGatewayServer(t, http.StatusTooManyRequests,
			`{"ok":false,"error":{"code":"RATE_LIMITED","message":"slow down"}}`)
		_, err := newTestClient(srv.URL).CreateRequest(context.Background(), "u2", "hi")
		if !errors.Is(err, ErrRateLimited) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("server error without envelope", func(t *testing.T) {
		srv, _ := newGatewayServer(t, http.StatusBadGateway, `<html>bad gateway</html>`)
		_, err := newTestClient(srv.URL).ListConversations(context.Background())
		if !errors.Is(err, ErrNetwork) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("status fallback without code", func(t *testing.T) {
		srv, _ := newGatewayServer(t, http.StatusNotFound, `{"ok":false}`)
		_, err := newTestClient(srv.URL).ListMessages(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := newTestClient(url).ListRequests(context.Background())
		if !errors.Is(err, ErrNetwork) || !IsCode(err, CodeNetwork) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestClientAnonymous(t *testing.T) {
	srv, rec := newGatewayServer(t, http.StatusOK, `{"ok":true,"data":[]}`)
	c := NewClient(nil, WithBaseURL(srv.URL+"/"))
	if _, err := c.ListRequests(context.Background()); err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if rec.Auth != "" {
		t.Errorf("Authorization = %q, want none", rec.Auth)
	}
	if rec.Path != "/api/messages/requests" {
		t.Errorf("path = %q", rec.Path)
	}
}

func TestClientWSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com/", "wss://chat.example.com/ws"},
	}
	for _, tt := range tests {
		c := NewClient(nil, WithBaseURL(tt.base))
		if got := c.WSURL(); got != tt.want {
			t.Errorf("WSURL(%s) = %s, want %s", tt.base, got, tt.want)
		}
	}
}
