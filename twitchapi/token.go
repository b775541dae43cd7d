package twitchapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoToken is returned when no user token is available.
var ErrNoToken = errors.New("twitch user token not set")

// TokenProvider supplies the bearer token for Helix calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, mostly for tests and one-shot tools.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// UserToken holds the bot's user access token. The refresher swaps in new
// values with Set; Helix calls that get a 401 call Invalidate so the
// refresher wakes up early.
type UserToken struct {
	mu        sync.RWMutex
	access    string
	refresh   string
	expiresAt time.Time
	scope     string

	invalidated chan struct{}
}

// NewUserToken returns a holder for the given pair. A zero expiry means unknown.
func NewUserToken(access, refresh string, expiresAt time.Time) *UserToken {
	return &UserToken{
		access:      strings.TrimPrefix(access, "oauth:"),
		refresh:     refresh,
		expiresAt:   expiresAt,
		invalidated: make(chan struct{}, 1),
	}
}

// Token returns the current access token.
func (t *UserToken) Token(context.Context) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.access == "" {
		return "", ErrNoToken
	}
	return t.access, nil
}

// Set replaces the token pair. An empty refresh keeps the previous one.
func (t *UserToken) Set(access, refresh string, expiresAt time.Time, scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = strings.TrimPrefix(access, "oauth:")
	if refresh != "" {
		t.refresh = refresh
	}
	t.expiresAt = expiresAt
	if scope != "" {
		t.scope = scope
	}
}

// Snapshot returns the stored values.
func (t *UserToken) Snapshot() (access, refresh string, expiresAt time.Time, scope string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.access, t.refresh, t.expiresAt, t.scope
}

// Invalidate marks the token as expired and signals the refresher.
func (t *UserToken) Invalidate() {
	t.mu.Lock()
	t.expiresAt = time.Now()
	t.mu.Unlock()
	select {
	case t.invalidated <- struct{}{}:
	default:
	}
}

// Invalidated fires after Invalidate is called.
func (t *UserToken) Invalidated() <-chan struct{} { return t.invalidated }
