package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

type ircClient interface {
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
	OnConnect(func())
}

// IRCSender posts replies over Twitch IRC. It only writes; chat is read
// from the event feed.
type IRCSender struct {
	client   ircClient
	channels []string

	mu        sync.Mutex
	connected bool
}

// NewIRCSender builds a sender that logs in as username with token and
// joins channels.
func NewIRCSender(username, token string, channels []string) *IRCSender {
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return newIRCSender(twitch.NewClient(username, token), channels)
}

func newIRCSender(c ircClient, channels []string) *IRCSender {
	s := &IRCSender{client: c, channels: channels}
	c.OnConnect(func() {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		slog.Info("irc sender connected", slog.Int("channels", len(channels)), slog.String("component", "chat"))
	})
	return s
}

// Run connects and blocks until ctx is cancelled or the connection fails.
func (s *IRCSender) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.client.Disconnect()
		case <-done:
		}
	}()
	defer close(done)

	s.client.Join(s.channels...)
	err := s.client.Connect()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (s *IRCSender) Send(_ context.Context, to Target, text string) error {
	s.mu.Lock()
	ok := s.connected
	s.mu.Unlock()
	if !ok {
		return errors.New("irc send: not connected")
	}
	s.client.Say(strings.TrimPrefix(to.Login, "#"), truncate(text))
	return nil
}
