package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// MaxMessageLength is the platform's per-message limit in characters.
const MaxMessageLength = 500

// Target identifies the channel a reply goes to.
type Target struct {
	ID    string
	Login string
}

// Sender posts a text message to a channel.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to Target, text string) error

func (f SenderFunc) Send(ctx context.Context, to Target, text string) error { return f(ctx, to, text) }

func truncate(text string) string {
	r := []rune(text)
	if len(r) <= MaxMessageLength {
		return text
	}
	return string(r[:MaxMessageLength-1]) + "…"
}

type chatMessenger interface {
	SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error
}

// HelixSender sends through the REST chat endpoint as the bot user.
type HelixSender struct {
	Client   chatMessenger
	SenderID string
}

// NewHelixSender returns a Helix-backed sender for the bot user senderID.
func NewHelixSender(client chatMessenger, senderID string) *HelixSender {
	return &HelixSender{Client: client, SenderID: senderID}
}

func (s *HelixSender) Send(ctx context.Context, to Target, text string) error {
	if to.ID == "" {
		return errors.New("helix send: missing broadcaster id")
	}
	return s.Client.SendChatMessage(ctx, to.ID, s.SenderID, truncate(text))
}

// RateLimitedSender spaces sends to stay under the platform's chat limits.
type RateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimitedSender allows perWindow messages per window with bursts
// up to perWindow.
func NewRateLimitedSender(next Sender, perWindow int, window time.Duration) *RateLimitedSender {
	if perWindow <= 0 {
		perWindow = 20
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &RateLimitedSender{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(perWindow)), perWindow),
	}
}

func (s *RateLimitedSender) Send(ctx context.Context, to Target, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return s.next.Send(ctx, to, text)
}
