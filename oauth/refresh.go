// Package oauth keeps the bot's user token fresh. A jittered loop checks the
// persisted token and refreshes it when its remaining lifetime falls inside a
// configured window, or right away after a Helix call reports it rejected.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/onnwee/intermission-bot/db"
)

// RefreshFunc performs the provider refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Store persists the token between checks and across restarts.
type Store interface {
	Load(ctx context.Context) (db.Token, bool, error)
	Save(ctx context.Context, tok db.Token) error
}

// Publisher receives every refreshed token; twitchapi.UserToken implements it.
type Publisher interface {
	Set(access, refresh string, expiresAt time.Time, scope string)
	Invalidated() <-chan struct{}
}

// MemoryStore keeps the token in process, for runs without a database.
type MemoryStore struct {
	mu  sync.Mutex
	tok db.Token
	ok  bool
}

// NewMemoryStore returns a store seeded with tok.
func NewMemoryStore(tok db.Token) *MemoryStore { return &MemoryStore{tok: tok, ok: tok.Access != ""} }

func (m *MemoryStore) Load(context.Context) (db.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, m.ok, nil
}

func (m *MemoryStore) Save(_ context.Context, tok db.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok, m.ok = tok, true
	return nil
}

var errNoRefreshToken = errors.New("no refresh token stored")

// Refresher is the check-and-refresh step shared by the background loop and
// forced refreshes.
type Refresher struct {
	Store   Store
	Publish Publisher
	Window  time.Duration
	Refresh RefreshFunc

	mu sync.Mutex
}

// Check refreshes the stored token when force is set or its expiry is within
// the window. It reports whether a refresh happened.
func (r *Refresher) Check(ctx context.Context, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok, err := r.Store.Load(ctx)
	if err != nil {
		return false, err
	}
	if !ok || tok.Refresh == "" {
		return false, errNoRefreshToken
	}
	if !force && !tok.ExpiresAt.IsZero() && time.Until(tok.ExpiresAt) > r.Window {
		return false, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := r.Refresh(ctx2, tok.Refresh)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = tok.Refresh
	}
	if newScope == "" {
		newScope = tok.Scope
	}
	next := db.Token{Access: newAT, Refresh: newRT, ExpiresAt: newExp, Scope: newScope}
	if r.Publish != nil {
		r.Publish.Set(next.Access, next.Refresh, next.ExpiresAt, next.Scope)
	}
	if err := r.Store.Save(ctx, next); err != nil {
		slog.Warn("token persist failed", slog.Any("err", err), slog.String("component", "oauth"))
	}
	return true, nil
}

// StartRefresher launches the refresh loop.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
// The loop also wakes when pub signals an invalidated token.
func StartRefresher(ctx context.Context, store Store, pub Publisher, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	r := &Refresher{Store: store, Publish: pub, Window: window, Refresh: fn}
	var invalidated <-chan struct{}
	if pub != nil {
		invalidated = pub.Invalidated()
	}
	log := slog.With(slog.String("component", "oauth"))

	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		wait := initialJitter
		for {
			force := false
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-invalidated:
				timer.Stop()
				force = true
			case <-timer.C:
			}

			refreshed, err := r.Check(ctx, force)
			switch {
			case errors.Is(err, errNoRefreshToken):
				log.Debug("token refresh skipped; no refresh token")
			case err != nil:
				log.Warn("token refresh failed", slog.Bool("forced", force), slog.Any("err", err))
			case refreshed:
				log.Info("token refreshed", slog.Bool("forced", force))
			}

			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			wait = max(interval+jitter, interval/2)
		}
	}()
}
