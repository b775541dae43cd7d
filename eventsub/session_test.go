package eventsub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/onnwee/intermission-bot/twitchapi"
)

// fakeFeed is a scripted EventSub endpoint. Each accepted connection runs
// the next script; the last one is reused.
type fakeFeed struct {
	srv     *httptest.Server
	scripts []func(conn *feedConn)
	conns   atomic.Int32
}

type feedConn struct {
	t    *testing.T
	send func(string)
	url  string
	path string
}

func newFakeFeed(t *testing.T, scripts ...func(c *feedConn)) *fakeFeed {
	t.Helper()
	f := &fakeFeed{scripts: scripts}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(f.conns.Add(1)) - 1
		script := f.scripts[min(n, len(f.scripts)-1)]
		fc := &feedConn{
			t:    t,
			url:  f.url(),
			path: r.URL.RequestURI(),
			send: func(msg string) {
				_ = wsutil.WriteServerText(conn, []byte(msg))
			},
		}
		script(fc)
		// hold the connection open until the client goes away
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFeed) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func welcomeFrame(sessionID string, keepalive int) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome","message_timestamp":"2024-05-01T12:00:00Z"},
"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":%d}}}`, sessionID, sessionID, keepalive)
}

func chatFrame(frameID, channelID, login, text string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":%q,"message_type":"notification","message_timestamp":"2024-05-01T12:00:05Z","subscription_type":"channel.chat.message"},
"payload":{"subscription":{"id":"sub-%s","status":"enabled","type":"channel.chat.message","condition":{"broadcaster_user_id":%q}},
"event":{"broadcaster_user_id":%q,"broadcaster_user_login":%q,"chatter_user_id":"42","chatter_user_login":"viewer","chatter_user_name":"Viewer","message_id":"m-%s","message":{"text":%q}}}}`,
		frameID, channelID, channelID, channelID, login, frameID, text)
}

func revocationFrame(channelID, status string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"rev-%s","message_type":"revocation","message_timestamp":"2024-05-01T12:00:05Z"},
"payload":{"subscription":{"id":"sub-%s","status":%q,"type":"channel.chat.message","condition":{"broadcaster_user_id":%q}}}}`,
		channelID, channelID, status, channelID)
}

type fakeSubscriber struct {
	mu       sync.Mutex
	sessions []string
	deleted  []string
	err      error
}

func (f *fakeSubscriber) CreateChatSubscription(_ context.Context, sessionID, broadcasterID, _ string) (twitchapi.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	if f.err != nil {
		return twitchapi.Subscription{}, f.err
	}
	return twitchapi.Subscription{ID: "sub-" + broadcasterID, Status: "enabled", Type: twitchapi.ChatMessageType}, nil
}

func (f *fakeSubscriber) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSubscriber) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

type eventSink chan ChatEvent

func (s eventSink) HandleChatEvent(_ context.Context, ev ChatEvent) { s <- ev }

func (s eventSink) next(t *testing.T) ChatEvent {
	t.Helper()
	select {
	case ev := <-s:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chat event")
		return ChatEvent{}
	}
}

func testConfig(url string) SessionConfig {
	return SessionConfig{
		URL:            url,
		BotUserID:      "99",
		KeepaliveSlack: 100 * time.Millisecond,
		WelcomeTimeout: 2 * time.Second,
		BackoffMin:     10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		SubscribeDelay: 10 * time.Millisecond,
	}
}

func runSession(t *testing.T, s *Session, channels ...Channel) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx, channels) }()
	t.Cleanup(cancelFn)
	return cancelFn, errCh
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

var riot = Channel{ID: "1001", Login: "riotgames"}

func TestSessionSubscribesThenDelivers(t *testing.T) {
	feed := newFakeFeed(t, func(c *feedConn) {
		c.send(welcomeFrame("s1", 10))
		c.send(`{"metadata":{"message_id":"k1","message_type":"session_keepalive"},"payload":{}}`)
		c.send(chatFrame("f1", riot.ID, riot.Login, "$joke"))
		c.send(chatFrame("f1", riot.ID, riot.Login, "$joke"))
		c.send(chatFrame("f2", riot.ID, riot.Login, "hello"))
	})
	subs := &fakeSubscriber{}
	sink := make(eventSink, 10)
	s := NewSession(testConfig(feed.url()), subs, sink)
	cancel, done := runSession(t, s, riot)

	first := sink.next(t)
	if got := subs.calls(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("expected one subscribe on s1 before delivery, got %v", got)
	}
	if first.Text != "$joke" || first.ChannelLogin != "riotgames" || first.SenderLogin != "viewer" {
		t.Fatalf("unexpected event: %+v", first)
	}
	if first.Timestamp.Format(time.DateTime) != "2024-05-01 12:00:05" {
		t.Fatalf("timestamp = %v", first.Timestamp)
	}
	second := sink.next(t)
	if second.Text != "hello" {
		t.Fatalf("duplicate frame was delivered: %+v", second)
	}
	if s.State() != Active {
		t.Fatalf("state = %v, want active", s.State())
	}
	if subsList := s.Subscriptions(); len(subsList) != 1 || subsList[0].ID != "sub-1001" {
		t.Fatalf("subscriptions = %+v", subsList)
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Start returned %v after cancel, want nil", err)
	}
	if s.State() != Closed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestSessionReconnectsAfterKeepaliveTimeout(t *testing.T) {
	feed := newFakeFeed(t,
		func(c *feedConn) { c.send(welcomeFrame("stale", 1)) },
		func(c *feedConn) {
			c.send(welcomeFrame("fresh", 10))
			c.send(chatFrame("f9", riot.ID, riot.Login, "after reconnect"))
		},
	)
	subs := &fakeSubscriber{}
	sink := make(eventSink, 10)
	s := NewSession(testConfig(feed.url()), subs, sink)

	var mu sync.Mutex
	var states []State
	s.OnStateChange(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	_, _ = runSession(t, s, riot)

	ev := sink.next(t)
	if ev.Text != "after reconnect" {
		t.Fatalf("unexpected event %+v", ev)
	}
	got := subs.calls()
	if len(got) != 2 || got[0] != "stale" || got[1] != "fresh" {
		t.Fatalf("expected re-subscribe on the new session, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{Active, Reconnecting, Active}
	if len(states) < len(want) {
		t.Fatalf("states = %v", states)
	}
	for i, st := range want {
		if states[i] != st {
			t.Fatalf("states = %v, want prefix %v", states, want)
		}
	}
}

func TestSessionFollowsReconnectMessage(t *testing.T) {
	feed := newFakeFeed(t,
		func(c *feedConn) {
			c.send(welcomeFrame("old", 10))
			c.send(fmt.Sprintf(`{"metadata":{"message_id":"r1","message_type":"session_reconnect"},
"payload":{"session":{"id":"old","status":"reconnecting","reconnect_url":%q}}}`, c.url+"/migrated"))
		},
		func(c *feedConn) {
			if c.path != "/migrated" {
				c.t.Errorf("reconnect dialed %q", c.path)
			}
			c.send(welcomeFrame("new", 10))
			c.send(chatFrame("f3", riot.ID, riot.Login, "migrated"))
		},
	)
	subs := &fakeSubscriber{}
	sink := make(eventSink, 10)
	s := NewSession(testConfig(feed.url()), subs, sink)
	_, _ = runSession(t, s, riot)

	if ev := sink.next(t); ev.Text != "migrated" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := subs.calls(); len(got) != 1 {
		t.Fatalf("migration must keep subscriptions, subscribe calls = %v", got)
	}
	if n := feed.conns.Load(); n != 2 {
		t.Fatalf("connections = %d, want 2", n)
	}
}

func TestSessionAuthRejectionCloses(t *testing.T) {
	feed := newFakeFeed(t, func(c *feedConn) { c.send(welcomeFrame("s1", 10)) })
	subs := &fakeSubscriber{err: &twitchapi.APIError{Status: http.StatusUnauthorized, Message: "invalid token"}}
	s := NewSession(testConfig(feed.url()), subs, make(eventSink, 1))
	_, done := runSession(t, s, riot)

	err := waitErr(t, done)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Start = %v, want ErrAuth", err)
	}
	if s.State() != Closed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if n := len(subs.calls()); n != 1 {
		t.Fatalf("auth failures must not be retried, calls = %d", n)
	}
}

func TestSessionConflictCountsAsSubscribed(t *testing.T) {
	feed := newFakeFeed(t, func(c *feedConn) {
		c.send(welcomeFrame("s1", 10))
		c.send(chatFrame("f1", riot.ID, riot.Login, "hi"))
	})
	subs := &fakeSubscriber{err: &twitchapi.APIError{Status: http.StatusConflict, Message: "subscription already exists"}}
	sink := make(eventSink, 1)
	s := NewSession(testConfig(feed.url()), subs, sink)
	_, _ = runSession(t, s, riot)

	if ev := sink.next(t); ev.Text != "hi" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSessionRevocation(t *testing.T) {
	t.Run("authorization revoked closes", func(t *testing.T) {
		feed := newFakeFeed(t, func(c *feedConn) {
			c.send(welcomeFrame("s1", 10))
			c.send(revocationFrame(riot.ID, "authorization_revoked"))
		})
		s := NewSession(testConfig(feed.url()), &fakeSubscriber{}, make(eventSink, 1))
		_, done := runSession(t, s, riot)
		if err := waitErr(t, done); !errors.Is(err, ErrAuth) {
			t.Fatalf("Start = %v, want ErrAuth", err)
		}
	})

	t.Run("user removed drops the last channel", func(t *testing.T) {
		feed := newFakeFeed(t, func(c *feedConn) {
			c.send(welcomeFrame("s1", 10))
			c.send(revocationFrame(riot.ID, "user_removed"))
		})
		s := NewSession(testConfig(feed.url()), &fakeSubscriber{}, make(eventSink, 1))
		_, done := runSession(t, s, riot)
		if err := waitErr(t, done); !errors.Is(err, ErrNoChannels) {
			t.Fatalf("Start = %v, want ErrNoChannels", err)
		}
	})

	t.Run("other statuses resubscribe", func(t *testing.T) {
		feed := newFakeFeed(t, func(c *feedConn) {
			c.send(welcomeFrame("s1", 10))
			c.send(revocationFrame(riot.ID, "notification_failures_exceeded"))
			c.send(chatFrame("f1", riot.ID, riot.Login, "still here"))
		})
		subs := &fakeSubscriber{}
		sink := make(eventSink, 1)
		s := NewSession(testConfig(feed.url()), subs, sink)
		_, _ = runSession(t, s, riot)
		if ev := sink.next(t); ev.Text != "still here" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if n := len(subs.calls()); n != 2 {
			t.Fatalf("subscribe calls = %d, want 2", n)
		}
	})
}

func TestSessionHandlerPanicDoesNotStopLoop(t *testing.T) {
	feed := newFakeFeed(t, func(c *feedConn) {
		c.send(welcomeFrame("s1", 10))
		c.send(chatFrame("f1", riot.ID, riot.Login, "boom"))
		c.send(chatFrame("f2", riot.ID, riot.Login, "ok"))
	})
	got := make(chan string, 2)
	h := HandlerFunc(func(_ context.Context, ev ChatEvent) {
		if ev.Text == "boom" {
			panic("handler exploded")
		}
		got <- ev.Text
	})
	s := NewSession(testConfig(feed.url()), &fakeSubscriber{}, h)
	_, _ = runSession(t, s, riot)

	select {
	case text := <-got:
		if text != "ok" {
			t.Fatalf("got %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read loop stopped after handler panic")
	}
}

func TestSubscribeErrors(t *testing.T) {
	s := NewSession(testConfig("ws://unused"), &fakeSubscriber{}, make(eventSink, 1))
	_, err := s.Subscribe(context.Background(), riot)
	var se *SubscriptionError
	if !errors.As(err, &se) || se.Channel != "riotgames" {
		t.Fatalf("want *SubscriptionError, got %v", err)
	}
	if !errors.Is(err, ErrNoSession) || !isTransport(err) {
		t.Fatalf("no session should be a transport error, got %v", err)
	}

	s.mu.Lock()
	s.sessionID = "s1"
	s.mu.Unlock()
	if _, err := s.Subscribe(context.Background(), riot); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := s.Subscribe(context.Background(), riot); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("second subscribe = %v, want ErrAlreadySubscribed", err)
	}

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"forbidden", &twitchapi.APIError{Status: 403}, func(err error) bool { return errors.Is(err, ErrAuth) }},
		{"conflict", &twitchapi.APIError{Status: 409}, func(err error) bool { return errors.Is(err, ErrAlreadySubscribed) }},
		{"server error", &twitchapi.APIError{Status: 503}, isTransport},
		{"rate limited", &twitchapi.APIError{Status: 429}, isTransport},
		{"bad request", &twitchapi.APIError{Status: 400}, func(err error) bool { return !isTransport(err) && !errors.Is(err, ErrAuth) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(testConfig("ws://unused"), &fakeSubscriber{err: tt.err}, make(eventSink, 1))
			s.sessionID = "s1"
			_, err := s.Subscribe(context.Background(), riot)
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected classification: %v", err)
			}
		})
	}
}

func TestStartWithoutChannels(t *testing.T) {
	s := NewSession(testConfig("ws://unused"), &fakeSubscriber{}, make(eventSink, 1))
	if err := s.Start(context.Background(), nil); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("Start = %v, want ErrNoChannels", err)
	}
}

func TestDialURLCarriesKeepalive(t *testing.T) {
	cfg := testConfig("wss://eventsub.example/ws")
	cfg.KeepaliveTimeout = 30 * time.Second
	s := NewSession(cfg, &fakeSubscriber{}, make(eventSink, 1))
	if got := s.dialURL(); got != "wss://eventsub.example/ws?keepalive_timeout_seconds=30" {
		t.Fatalf("dialURL = %q", got)
	}
}

type listingSubscriber struct {
	*fakeSubscriber
	existing []twitchapi.Subscription
}

func (l *listingSubscriber) ListSubscriptions(context.Context, string) ([]twitchapi.Subscription, error) {
	return l.existing, nil
}

func TestConflictAdoptsExistingSubscription(t *testing.T) {
	existing := twitchapi.Subscription{ID: "sub-existing", Status: "enabled", Type: twitchapi.ChatMessageType,
		Condition: map[string]string{"broadcaster_user_id": riot.ID}}
	existing.Transport.SessionID = "s1"
	other := existing
	other.ID = "sub-old-session"
	other.Transport.SessionID = "s0"
	subs := &listingSubscriber{
		fakeSubscriber: &fakeSubscriber{err: &twitchapi.APIError{Status: 409}},
		existing:       []twitchapi.Subscription{other, existing},
	}
	s := NewSession(testConfig("ws://unused"), subs, make(eventSink, 1))
	s.sessionID = "s1"

	if err := s.subscribeWithRetry(context.Background(), riot); err != nil {
		t.Fatalf("subscribeWithRetry: %v", err)
	}
	got := s.Subscriptions()
	if len(got) != 1 || got[0].ID != "sub-existing" || got[0].ChannelLogin != "riotgames" {
		t.Fatalf("Subscriptions = %+v", got)
	}

	if err := s.Unsubscribe(context.Background(), riot.ID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if len(subs.deleted) != 1 || subs.deleted[0] != "sub-existing" {
		t.Fatalf("deleted = %v", subs.deleted)
	}
}

func TestConflictWithoutListerRecordsChannel(t *testing.T) {
	s := NewSession(testConfig("ws://unused"), &fakeSubscriber{err: &twitchapi.APIError{Status: 409}}, make(eventSink, 1))
	s.sessionID = "s1"

	if err := s.subscribeWithRetry(context.Background(), riot); err != nil {
		t.Fatalf("subscribeWithRetry: %v", err)
	}
	got := s.Subscriptions()
	if len(got) != 1 || got[0].ChannelID != riot.ID || got[0].ID != "" {
		t.Fatalf("Subscriptions = %+v", got)
	}
	if err := s.Unsubscribe(context.Background(), riot.ID); err == nil {
		t.Fatal("Unsubscribe without a known id should report it")
	}
	if len(s.Subscriptions()) != 0 {
		t.Fatal("channel still listed after Unsubscribe")
	}
}

func TestReleaseHandshakeBuffer(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	drained := &bufferedConn{Conn: a, br: bufio.NewReader(a)}
	if got := releaseHandshakeBuffer(drained); got != a {
		t.Fatalf("drained reader not released: %T", got)
	}

	pending := &bufferedConn{Conn: a, br: bufio.NewReader(strings.NewReader("frame bytes"))}
	if _, err := pending.br.Peek(1); err != nil {
		t.Fatal(err)
	}
	if got := releaseHandshakeBuffer(pending); got != net.Conn(pending) {
		t.Fatalf("buffered reader released early: %T", got)
	}
	if got := releaseHandshakeBuffer(a); got != a {
		t.Fatal("plain conn changed")
	}
}
