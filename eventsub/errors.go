package eventsub

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the platform rejected the bot's credentials. Not retried.
	ErrAuth = errors.New("eventsub: authentication rejected")
	// ErrAlreadySubscribed means the channel already has a chat subscription.
	ErrAlreadySubscribed = errors.New("eventsub: already subscribed")
	// ErrNoSession means there is no welcomed connection to subscribe on.
	ErrNoSession = errors.New("eventsub: no active session")
	// ErrKeepaliveTimeout means no frame arrived within the keep-alive window.
	ErrKeepaliveTimeout = errors.New("eventsub: keepalive timeout")
	// ErrNoChannels means there is nothing left to subscribe to.
	ErrNoChannels = errors.New("eventsub: no channels to subscribe")
)

// TransportError is a recoverable connection failure; the session reconnects.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("eventsub %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// SubscriptionError wraps a failed subscribe for one channel. The cause is
// ErrAuth, ErrAlreadySubscribed, a *TransportError, or a platform rejection.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe #%s: %v", e.Channel, e.Err)
}
func (e *SubscriptionError) Unwrap() error { return e.Err }

func isTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
