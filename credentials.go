package directmsg

import (
	"sync"
	"time"
)

// TokenSource returns the current bearer token. An empty token is allowed;
// requests and the channel are then made unauthenticated.
type TokenSource interface {
	Token() string
}

// Identity returns the id of the signed-in user.
type Identity interface {
	UserID() string
}

// Credentials is a process-wide credential store satisfying both
// TokenSource and Identity. Safe for concurrent use.
type Credentials struct {
	mu     sync.RWMutex
	token  string
	userID string
}

// NewCredentials creates a credential store.
func NewCredentials(token, userID string) *Credentials {
	return &Credentials{token: token, userID: userID}
}

func (c *Credentials) Token() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Credentials) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SetToken sets or updates the bearer token.
func (c *Credentials) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetUserID sets the signed-in user.
func (c *Credentials) SetUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Clock abstracts time.Now so optimistic timestamps and date grouping can
// be tested deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
