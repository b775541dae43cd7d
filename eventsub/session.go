// Package eventsub keeps the bot's EventSub WebSocket session alive: it dials
// the feed, subscribes each channel to chat messages, watches keep-alives,
// follows session_reconnect migrations, and reconnects with backoff when the
// connection goes stale. Decoded chat events are handed to a Handler in
// arrival order.
package eventsub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/onnwee/intermission-bot/telemetry"
	"github.com/onnwee/intermission-bot/twitchapi"
)

// DefaultURL is the production EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

// State is the session lifecycle state.
type State int

const (
	Connecting State = iota
	Active
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a broadcaster the bot listens to.
type Channel struct {
	ID    string
	Login string
}

// Subscription is an acknowledged chat subscription for one channel.
type Subscription struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	ChannelID    string `json:"channel_id"`
	ChannelLogin string `json:"channel_login"`
}

// Handler receives decoded chat events. It is called from the session's
// read loop, so it must return quickly.
type Handler interface {
	HandleChatEvent(ctx context.Context, ev ChatEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev ChatEvent)

func (f HandlerFunc) HandleChatEvent(ctx context.Context, ev ChatEvent) { f(ctx, ev) }

// Subscriber creates and removes subscriptions over REST.
type Subscriber interface {
	CreateChatSubscription(ctx context.Context, sessionID, broadcasterID, userID string) (twitchapi.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// SubscriptionLister is implemented by subscribers that can list existing
// subscriptions. The session uses it to adopt a subscription the platform
// reports as already present.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, status string) ([]twitchapi.Subscription, error)
}

// SessionConfig tunes a Session. Zero values fall back to defaults.
type SessionConfig struct {
	URL               string
	BotUserID         string
	KeepaliveTimeout  time.Duration // requested from the server; 0 keeps its default
	KeepaliveSlack    time.Duration // grace added to the server's keep-alive
	WelcomeTimeout    time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	SubscribeAttempts int
	SubscribeDelay    time.Duration
}

func (c *SessionConfig) withDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.KeepaliveSlack <= 0 {
		c.KeepaliveSlack = 5 * time.Second
	}
	if c.WelcomeTimeout <= 0 {
		c.WelcomeTimeout = 10 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = max(c.BackoffMin, 2*time.Minute)
	}
	if c.SubscribeAttempts <= 0 {
		c.SubscribeAttempts = 3
	}
	if c.SubscribeDelay <= 0 {
		c.SubscribeDelay = time.Second
	}
}

// Session owns the single EventSub connection of the process.
type Session struct {
	cfg     SessionConfig
	subs    Subscriber
	handler Handler
	dedup   *dedupWindow
	backoff backoff

	mu        sync.Mutex
	state     State
	conn      net.Conn
	sessionID string
	keepalive time.Duration
	channels  map[string]Channel      // desired set, by broadcaster id
	active    map[string]Subscription // acknowledged, by broadcaster id
	hooks     []func(State)
}

// NewSession builds a session; call Start to run it.
func NewSession(cfg SessionConfig, subs Subscriber, h Handler) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		subs:     subs,
		handler:  h,
		dedup:    newDedupWindow(),
		backoff:  backoff{min: cfg.BackoffMin, max: cfg.BackoffMax},
		channels: make(map[string]Channel),
		active:   make(map[string]Subscription),
	}
}

// OnStateChange registers fn to run after every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscriptions returns the acknowledged subscriptions sorted by channel login.
func (s *Session) Subscriptions() []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.active))
	for _, sub := range s.active {
		out = append(out, sub)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Subscription) int {
		switch {
		case a.ChannelLogin < b.ChannelLogin:
			return -1
		case a.ChannelLogin > b.ChannelLogin:
			return 1
		}
		return 0
	})
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	telemetry.SetSessionState(int(st))
	slog.Info("eventsub state", slog.String("from", prev.String()), slog.String("to", st.String()), slog.String("component", "eventsub"))
	for _, fn := range hooks {
		fn(st)
	}
}

// Start connects and keeps the session alive until ctx is cancelled (nil
// result) or the platform permanently rejects authentication (error wrapping
// ErrAuth). Transport failures reconnect forever with capped backoff.
func (s *Session) Start(ctx context.Context, channels []Channel) error {
	if len(channels) == 0 {
		return ErrNoChannels
	}
	s.mu.Lock()
	for _, ch := range channels {
		s.channels[ch.ID] = ch
	}
	s.mu.Unlock()
	telemetry.SetSessionState(int(Connecting))

	for {
		err := s.run(ctx)
		if ctx.Err() != nil {
			s.setState(Closed)
			return nil
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrNoChannels) {
			slog.Error("eventsub session closed", slog.Any("err", err), slog.String("component", "eventsub"))
			s.setState(Closed)
			return err
		}

		s.setState(Reconnecting)
		telemetry.Inc(telemetry.SessionReconnects)
		wait := s.backoff.next()
		slog.Warn("eventsub connection lost; reconnecting", slog.Any("err", err), slog.Duration("backoff", wait), slog.String("component", "eventsub"))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(Closed)
			return nil
		case <-timer.C:
		}
	}
}

// run is one connection lifetime: dial, welcome, subscribe everything, read.
func (s *Session) run(ctx context.Context) error {
	conn, welcome, err := s.dial(ctx, s.dialURL())
	if err != nil {
		return err
	}
	s.install(conn, welcome)
	stop := context.AfterFunc(ctx, func() { s.closeConn() })
	defer stop()
	defer s.closeConn()

	if err := s.subscribeAll(ctx); err != nil {
		return err
	}
	s.setState(Active)
	s.backoff.reset()
	return s.readLoop(ctx)
}

func (s *Session) dialURL() string {
	if s.cfg.KeepaliveTimeout <= 0 {
		return s.cfg.URL
	}
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return s.cfg.URL
	}
	q := u.Query()
	q.Set("keepalive_timeout_seconds", strconv.Itoa(int(s.cfg.KeepaliveTimeout/time.Second)))
	u.RawQuery = q.Encode()
	return u.String()
}

type welcomeInfo struct {
	sessionID string
	keepalive time.Duration
}

// dial opens a connection and waits for its session_welcome.
func (s *Session) dial(ctx context.Context, target string) (net.Conn, welcomeInfo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.WelcomeTimeout)
	defer cancel()
	conn, br, _, err := ws.Dial(dialCtx, target)
	if err != nil {
		return nil, welcomeInfo{}, &TransportError{Op: "dial", Err: err}
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, br: br}
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WelcomeTimeout))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		_ = conn.Close()
		return nil, welcomeInfo{}, &TransportError{Op: "welcome", Err: err}
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Metadata.MessageType != msgWelcome || f.Payload.Session == nil {
		_ = conn.Close()
		return nil, welcomeInfo{}, &TransportError{Op: "welcome", Err: fmt.Errorf("unexpected first message %q", f.Metadata.MessageType)}
	}
	conn = releaseHandshakeBuffer(conn)
	info := welcomeInfo{
		sessionID: f.Payload.Session.ID,
		keepalive: time.Duration(f.Payload.Session.KeepaliveTimeoutSeconds) * time.Second,
	}
	if info.keepalive <= 0 {
		info.keepalive = 10 * time.Second
	}
	return conn, info, nil
}

// install makes conn the current connection. Subscriptions belong to a
// session id, so a fresh session starts with an empty active set.
func (s *Session) install(conn net.Conn, w welcomeInfo) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.sessionID = w.sessionID
	s.keepalive = w.keepalive
	clear(s.active)
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	slog.Info("eventsub connected", slog.String("session", w.sessionID), slog.Duration("keepalive", w.keepalive), slog.String("component", "eventsub"))
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.sessionID = ""
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Subscribe makes one attempt to subscribe ch on the current session. The
// error is a *SubscriptionError wrapping ErrAuth, ErrAlreadySubscribed, a
// *TransportError (retry later) or the platform's rejection.
func (s *Session) Subscribe(ctx context.Context, ch Channel) (string, error) {
	s.mu.Lock()
	sid := s.sessionID
	_, dup := s.active[ch.ID]
	s.mu.Unlock()
	if sid == "" {
		return "", &SubscriptionError{Channel: ch.Login, Err: &TransportError{Op: "subscribe", Err: ErrNoSession}}
	}
	if dup {
		return "", &SubscriptionError{Channel: ch.Login, Err: ErrAlreadySubscribed}
	}

	sub, err := s.subs.CreateChatSubscription(ctx, sid, ch.ID, s.cfg.BotUserID)
	if err != nil {
		cerr := classifySubscribe(err)
		if errors.Is(cerr, ErrAlreadySubscribed) {
			s.adopt(ctx, sid, ch)
		}
		return "", &SubscriptionError{Channel: ch.Login, Err: cerr}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != sid {
		return "", &SubscriptionError{Channel: ch.Login, Err: &TransportError{Op: "subscribe", Err: errors.New("session replaced during subscribe")}}
	}
	s.channels[ch.ID] = ch
	s.active[ch.ID] = Subscription{ID: sub.ID, Type: twitchapi.ChatMessageType, ChannelID: ch.ID, ChannelLogin: ch.Login}
	return sub.ID, nil
}

// adopt records a subscription the platform already holds for ch on session
// sid. Its id is looked up when the subscriber can list subscriptions and
// left empty otherwise.
func (s *Session) adopt(ctx context.Context, sid string, ch Channel) {
	id := s.existingID(ctx, sid, ch.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != sid {
		return
	}
	s.channels[ch.ID] = ch
	s.active[ch.ID] = Subscription{ID: id, Type: twitchapi.ChatMessageType, ChannelID: ch.ID, ChannelLogin: ch.Login}
	if id == "" {
		slog.Warn("existing subscription id unknown", slog.String("channel", ch.Login), slog.String("component", "eventsub"))
	}
}

func (s *Session) existingID(ctx context.Context, sid, channelID string) string {
	lister, ok := s.subs.(SubscriptionLister)
	if !ok {
		return ""
	}
	subs, err := lister.ListSubscriptions(ctx, "enabled")
	if err != nil {
		slog.Warn("list subscriptions failed", slog.Any("err", err), slog.String("component", "eventsub"))
		return ""
	}
	for _, sub := range subs {
		if sub.Type == twitchapi.ChatMessageType && sub.BroadcasterID() == channelID && sub.Transport.SessionID == sid {
			return sub.ID
		}
	}
	return ""
}

func classifySubscribe(err error) error {
	switch {
	case twitchapi.IsAuthError(err):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case twitchapi.IsConflict(err):
		return ErrAlreadySubscribed
	case twitchapi.IsRetryableError(err):
		return &TransportError{Op: "subscribe", Err: err}
	default:
		return err
	}
}

// subscribeWithRetry retries transport failures a bounded number of times.
func (s *Session) subscribeWithRetry(ctx context.Context, ch Channel) error {
	var err error
	for attempt := 1; attempt <= s.cfg.SubscribeAttempts; attempt++ {
		_, err = s.Subscribe(ctx, ch)
		if err == nil || errors.Is(err, ErrAlreadySubscribed) {
			return nil
		}
		if !isTransport(err) || errors.Is(err, ErrNoSession) || attempt == s.cfg.SubscribeAttempts {
			break
		}
		timer := time.NewTimer(s.cfg.SubscribeDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// subscribeAll (re)establishes every desired channel before any event is
// read. Channels that keep failing are skipped with a warning; if none
// succeed the connection is treated as broken.
func (s *Session) subscribeAll(ctx context.Context) error {
	s.mu.Lock()
	channels := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	if len(channels) == 0 {
		return ErrNoChannels
	}
	slices.SortFunc(channels, func(a, b Channel) int {
		if a.Login < b.Login {
			return -1
		}
		if a.Login > b.Login {
			return 1
		}
		return 0
	})

	ok := 0
	for _, ch := range channels {
		err := s.subscribeWithRetry(ctx, ch)
		switch {
		case err == nil:
			ok++
			slog.Info("subscribed to chat", slog.String("channel", ch.Login), slog.String("component", "eventsub"))
		case errors.Is(err, ErrAuth):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			telemetry.Inc(telemetry.SubscriptionFailures)
			slog.Warn("skipping channel after failed subscribe", slog.String("channel", ch.Login), slog.Any("err", err), slog.String("component", "eventsub"))
		}
	}
	if ok == 0 {
		return &TransportError{Op: "subscribe", Err: errors.New("no channel could be subscribed")}
	}
	return nil
}

func (s *Session) current() (net.Conn, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.keepalive
}

// readLoop processes frames until the connection fails. Any frame resets
// the keep-alive deadline.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		conn, keepalive := s.current()
		if conn == nil {
			return &TransportError{Op: "read", Err: net.ErrClosed}
		}
		_ = conn.SetReadDeadline(time.Now().Add(keepalive + s.cfg.KeepaliveSlack))
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return &TransportError{Op: "read", Err: ErrKeepaliveTimeout}
			}
			return &TransportError{Op: "read", Err: err}
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("eventsub: undecodable frame", slog.Any("err", err), slog.String("component", "eventsub"))
			continue
		}
		switch f.Metadata.MessageType {
		case msgKeepalive:
		case msgNotification:
			s.handleNotification(ctx, &f)
		case msgReconnect:
			if err := s.migrate(ctx, &f); err != nil {
				return err
			}
		case msgRevocation:
			if err := s.handleRevocation(ctx, &f); err != nil {
				return err
			}
		default:
			slog.Debug("eventsub: ignoring frame", slog.String("type", f.Metadata.MessageType), slog.String("component", "eventsub"))
		}
	}
}

func (s *Session) handleNotification(ctx context.Context, f *frame) {
	if f.Payload.Subscription == nil || f.Payload.Subscription.Type != twitchapi.ChatMessageType {
		return
	}
	if s.dedup.seen(f.Metadata.MessageID, time.Now()) {
		telemetry.Inc(telemetry.EventsDuplicate)
		return
	}
	ev, err := decodeChatEvent(f)
	if err != nil {
		slog.Warn("eventsub: bad chat event", slog.Any("err", err), slog.String("component", "eventsub"))
		return
	}
	telemetry.Inc(telemetry.EventsReceived)
	s.deliver(ctx, ev)
}

// deliver isolates the read loop from handler panics.
func (s *Session) deliver(ctx context.Context, ev ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("chat handler panic", slog.Any("panic", r), slog.String("channel", ev.ChannelLogin), slog.String("component", "eventsub"))
		}
	}()
	s.handler.HandleChatEvent(ctx, ev)
}

// migrate follows a session_reconnect: dial the new URL, wait for its
// welcome, then retire the old connection. Subscriptions move with it.
func (s *Session) migrate(ctx context.Context, f *frame) error {
	if f.Payload.Session == nil || f.Payload.Session.ReconnectURL == "" {
		return &TransportError{Op: "reconnect", Err: errors.New("session_reconnect without reconnect_url")}
	}
	slog.Info("eventsub: server requested reconnect", slog.String("component", "eventsub"))
	conn, welcome, err := s.dial(ctx, f.Payload.Session.ReconnectURL)
	if err != nil {
		return err
	}
	telemetry.Inc(telemetry.SessionReconnects)

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.sessionID = welcome.sessionID
	s.keepalive = welcome.keepalive
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	slog.Info("eventsub migrated", slog.String("session", welcome.sessionID), slog.String("component", "eventsub"))
	return nil
}

func (s *Session) handleRevocation(ctx context.Context, f *frame) error {
	sub := f.Payload.Subscription
	if sub == nil {
		return nil
	}
	chID := sub.Condition["broadcaster_user_id"]

	s.mu.Lock()
	ch, known := s.channels[chID]
	if cur, ok := s.active[chID]; ok && (cur.ID == sub.ID || cur.ID == "") {
		delete(s.active, chID)
	}
	s.mu.Unlock()
	slog.Warn("subscription revoked", slog.String("channel", ch.Login), slog.String("status", sub.Status), slog.String("component", "eventsub"))

	switch sub.Status {
	case statusAuthorizationRevoked:
		return fmt.Errorf("%w: subscription %s revoked (%s)", ErrAuth, sub.ID, sub.Status)
	case statusUserRemoved, statusVersionRemoved:
		s.mu.Lock()
		delete(s.channels, chID)
		remaining := len(s.channels)
		s.mu.Unlock()
		if remaining == 0 {
			return ErrNoChannels
		}
		return nil
	}
	if !known {
		return nil
	}
	if err := s.subscribeWithRetry(ctx, ch); err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		telemetry.Inc(telemetry.SubscriptionFailures)
		slog.Warn("resubscribe after revocation failed", slog.String("channel", ch.Login), slog.Any("err", err), slog.String("component", "eventsub"))
	}
	return nil
}

// Unsubscribe removes the channel's subscription and stops re-subscribing it.
func (s *Session) Unsubscribe(ctx context.Context, channelID string) error {
	s.mu.Lock()
	sub, ok := s.active[channelID]
	delete(s.active, channelID)
	delete(s.channels, channelID)
	sid := s.sessionID
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if sub.ID == "" {
		sub.ID = s.existingID(ctx, sid, channelID)
		if sub.ID == "" {
			return fmt.Errorf("eventsub: subscription id for channel %s unknown", channelID)
		}
	}
	return s.subs.DeleteSubscription(ctx, sub.ID)
}

// bufferedConn reads through the reader ws.Dial returned while it still
// holds frames that arrived with the handshake.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// releaseHandshakeBuffer returns the handshake reader to the ws pool once it
// is drained and hands back the bare connection.
func releaseHandshakeBuffer(conn net.Conn) net.Conn {
	bc, ok := conn.(*bufferedConn)
	if !ok || bc.br.Buffered() > 0 {
		return conn
	}
	ws.PutReader(bc.br)
	return bc.Conn
}
