package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// SentMessage is one POST /helix/chat/messages body.
type SentMessage struct {
	BroadcasterID string `json:"broadcaster_id"`
	SenderID      string `json:"sender_id"`
	Message       string `json:"message"`
}

// MockTwitchServer fakes the Helix, OAuth and EventSub WebSocket endpoints
// on one httptest server. Helix lives under /helix, OAuth under /oauth2 and
// the WebSocket feed at /ws.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	users    map[string]string
	live     map[string]bool
	sent     []SentMessage
	subs     map[string]string // subscription id -> broadcaster id
	feeds    map[string]net.Conn
	nextID   int
	subCh    chan string
	botID    string
	scopes   []string
	msgCount int
}

// NewMockTwitchServer creates a mock for bot user botID.
func NewMockTwitchServer(t *testing.T, botID string) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		users:    make(map[string]string),
		live:     make(map[string]bool),
		subs:     make(map[string]string),
		feeds:    make(map[string]net.Conn),
		subCh:    make(chan string, 16),
		botID:    botID,
		scopes:   []string{"user:read:chat", "user:write:chat"},
	}
	m.Handlers["/helix/users"] = m.handleUsers
	m.Handlers["/helix/streams"] = m.handleStreams
	m.Handlers["/helix/chat/messages"] = m.handleChat
	m.Handlers["/helix/eventsub/subscriptions"] = m.handleSubscriptions
	m.Handlers["/oauth2/validate"] = m.handleValidate
	m.Handlers["/ws"] = m.handleFeed
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(func() {
		m.mu.Lock()
		for _, c := range m.feeds {
			_ = c.Close()
		}
		m.mu.Unlock()
		m.Close()
	})
	return m
}

// HelixURL is the base URL for twitchapi.HelixClient.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// AuthURL is the base URL for token validation and refresh.
func (m *MockTwitchServer) AuthURL() string { return m.URL + "/oauth2" }

// FeedURL is the EventSub WebSocket URL.
func (m *MockTwitchServer) FeedURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http") + "/ws"
}

// AddUser registers a login for /helix/users lookups.
func (m *MockTwitchServer) AddUser(id, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(login)] = id
}

// SetLive marks a broadcaster as streaming.
func (m *MockTwitchServer) SetLive(id string, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[id] = live
}

// Sent returns the chat messages posted so far.
func (m *MockTwitchServer) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// WaitSubscribed blocks until a chat subscription for broadcasterID is
// created.
func (m *MockTwitchServer) WaitSubscribed(t *testing.T, broadcasterID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-m.subCh:
			if id == broadcasterID {
				return
			}
		case <-deadline:
			t.Fatalf("no subscription for %s", broadcasterID)
		}
	}
}

// SendChat pushes a channel.chat.message notification on every open feed.
func (m *MockTwitchServer) SendChat(t *testing.T, broadcasterID, login, chatter, text string) {
	t.Helper()
	m.mu.Lock()
	m.msgCount++
	n := m.msgCount
	conns := make([]net.Conn, 0, len(m.feeds))
	for _, c := range m.feeds {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	frame := fmt.Sprintf(`{"metadata":{"message_id":"n-%d","message_type":"notification","message_timestamp":%q,"subscription_type":"channel.chat.message"},
"payload":{"subscription":{"id":"sub","status":"enabled","type":"channel.chat.message","condition":{"broadcaster_user_id":%q}},
"event":{"broadcaster_user_id":%q,"broadcaster_user_login":%q,"chatter_user_id":"u-%s","chatter_user_login":%q,"chatter_user_name":%q,"message_id":"m-%d","message":{"text":%q}}}}`,
		n, time.Now().UTC().Format(time.RFC3339Nano), broadcasterID, broadcasterID, login, chatter, chatter, chatter, n, text)
	for _, c := range conns {
		if err := wsutil.WriteServerText(c, []byte(frame)); err != nil {
			t.Logf("feed write: %v", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func (m *MockTwitchServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]string{}
	for _, login := range r.URL.Query()["login"] {
		if id, ok := m.users[strings.ToLower(login)]; ok {
			data = append(data, map[string]string{"id": id, "login": strings.ToLower(login)})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]string{}
	id := r.URL.Query().Get("user_id")
	if m.live[id] {
		data = append(data, map[string]string{"user_id": id, "type": "live"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var msg SentMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"message_id": "x", "is_sent": true}}})
}

func (m *MockTwitchServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Type      string            `json:"type"`
			Condition map[string]string `json:"condition"`
			Transport struct {
				SessionID string `json:"session_id"`
			} `json:"transport"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		m.mu.Lock()
		if _, ok := m.feeds[body.Transport.SessionID]; !ok {
			m.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "session does not exist"})
			return
		}
		m.nextID++
		id := fmt.Sprintf("sub-%d", m.nextID)
		broadcaster := body.Condition["broadcaster_user_id"]
		m.subs[id] = broadcaster
		m.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"data": []map[string]any{{
			"id": id, "status": "enabled", "type": body.Type, "version": "1", "condition": body.Condition,
		}}})
		m.subCh <- broadcaster
	case http.MethodDelete:
		m.mu.Lock()
		delete(m.subs, r.URL.Query().Get("id"))
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	}
}

func (m *MockTwitchServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":  "test-client",
		"login":      "testbot",
		"user_id":    m.botID,
		"scopes":     m.scopes,
		"expires_in": 3600,
	})
}

func (m *MockTwitchServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.nextID++
	sessionID := fmt.Sprintf("session-%d", m.nextID)
	m.feeds[sessionID] = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.feeds, sessionID)
		m.mu.Unlock()
		_ = conn.Close()
	}()
	welcome := fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome","message_timestamp":%q},
"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":30}}}`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err := wsutil.WriteServerText(conn, []byte(welcome)); err != nil {
		return
	}
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
	}
}
