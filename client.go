// Package directmsg is the real-time direct-messaging client.
//
// Two users may only exchange messages after a message request is
// accepted. After that, a conversation thread merges persisted history,
// optimistic local sends and pushed events from a shared live channel into
// one duplicate-free timeline.
//
// Example:
//
//	creds := directmsg.NewCredentials(token, userID)
//	m := directmsg.New(directmsg.Config{BaseURL: "https://example.com"}, creds)
//	defer m.Shutdown()
//
//	// Consent handshake
//	req, _ := m.Requests.Create(ctx, "user-2", "hi, can we talk?")
//
//	// Live thread
//	th, _ := m.OpenThread(ctx, "conv-1")
//	defer th.Close()
//	th.Send(ctx, "hello")
package directmsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a gateway client. tokens may be nil for anonymous use.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the gateway root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	op := method + " " + path
	status, data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		c.logger.Debug("gateway request failed", "op", op, "error", err)
		return nil, networkError(op, err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if status >= 500 || status == 0 {
			return nil, networkError(op, fmt.Errorf("HTTP %d", status))
		}
		return nil, &Error{Kind: kindFromStatus(status), Message: fmt.Sprintf("%s: unreadable response (HTTP %d)", op, status), Err: err}
	}
	if !result.OK {
		return nil, fromAPIError(result.Error, status)
	}
	return &result, nil
}

// call performs a request and decodes the envelope data into T.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}) (*T, error) {
	result, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var out T
	if err := result.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Gateway Methods
// ============================================================================

func (c *Client) CreateRequest(ctx context.Context, receiverID, content string) (*MessageRequest, error) {
	return call[MessageRequest](ctx, c, "POST", "/api/messages/requests", map[string]string{
		"receiverId": receiverID,
		"content":    content,
	})
}

func (c *Client) ListRequests(ctx context.Context) ([]MessageRequest, error) {
	out, err := call[[]MessageRequest](ctx, c, "GET", "/api/messages/requests", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (c *Client) RespondRequest(ctx context.Context, requestID string, action RequestAction) (*RespondResult, error) {
	return call[RespondResult](ctx, c, "PUT", "/api/messages/requests/"+url.PathEscape(requestID), map[string]string{
		"action": string(action),
	})
}

func (c *Client) CheckRequestStatus(ctx context.Context, receiverID string) (*RequestStatusResult, error) {
	return call[RequestStatusResult](ctx, c, "GET", "/api/messages/requests/status/"+url.PathEscape(receiverID), nil)
}

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	out, err := call[[]Conversation](ctx, c, "GET", "/api/messages/conversations", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	out, err := call[[]Message](ctx, c, "GET", "/api/messages/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (c *Client) PostMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	return call[Message](ctx, c, "POST", "/api/messages/conversations/"+url.PathEscape(conversationID)+"/messages", map[string]string{
		"content": content,
	})
}

// WSURL returns the live channel URL derived from the base URL.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}
