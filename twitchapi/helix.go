// Package twitchapi contains the Helix REST calls the bot needs (user lookup,
// chat send, live status, EventSub subscription management) plus the OAuth
// helpers used to validate, obtain and refresh the bot's user token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/intermission-bot/telemetry"
)

const (
	// DefaultHelixBaseURL is the production Helix root.
	DefaultHelixBaseURL = "https://api.twitch.tv/helix"
	// ChatMessageType is the EventSub subscription type for chat messages.
	ChatMessageType = "channel.chat.message"

	maxResponseBytes = 1 << 20
	loginsPerRequest = 100
)

// HelixClient performs authenticated Helix calls with a user token.
type HelixClient struct {
	BaseURL      string
	ClientID     string
	Tokens       TokenProvider
	HTTPClient   *http.Client
	LiveCacheTTL time.Duration

	liveMu sync.Mutex
	live   map[string]liveEntry
}

type liveEntry struct {
	live bool
	at   time.Time
}

// Subscription is an EventSub subscription as reported by Helix.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id,omitempty"`
	} `json:"transport"`
	CreatedAt time.Time `json:"created_at"`
}

// BroadcasterID returns the channel the subscription watches.
func (s Subscription) BroadcasterID() string { return s.Condition["broadcaster_user_id"] }

// MessageDroppedError is returned when Helix accepts a chat message but does not deliver it.
type MessageDroppedError struct {
	Code    string
	Message string
}

func (e *MessageDroppedError) Error() string {
	return fmt.Sprintf("chat message dropped: %s: %s", e.Code, e.Message)
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixBaseURL
}

// do sends one Helix request and decodes a 2xx JSON body into out.
func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "helix "+method+" "+path, telemetry.EndpointAttr(path))
	defer func() { telemetry.EndSpan(span, err) }()

	if hc.Tokens == nil {
		return ErrNoToken
	}
	tok, err := hc.Tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(b)
	}
	endpoint := hc.baseURL() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.http().Do(req)
	if err != nil {
		return fmt.Errorf("helix %s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp, path)
		if apiErr.Status == http.StatusUnauthorized {
			if inv, ok := hc.Tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response, endpoint string) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode, Endpoint: endpoint}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// ResolveLogins maps login names to user ids. Logins that do not exist are
// absent from the result; keys are lower-cased.
func (hc *HelixClient) ResolveLogins(ctx context.Context, logins []string) (map[string]string, error) {
	out := make(map[string]string, len(logins))
	for start := 0; start < len(logins); start += loginsPerRequest {
		end := min(start+loginsPerRequest, len(logins))
		q := url.Values{}
		for _, l := range logins[start:end] {
			if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
				q.Add("login", l)
			}
		}
		if len(q) == 0 {
			continue
		}
		var body struct {
			Data []struct {
				ID    string `json:"id"`
				Login string `json:"login"`
			} `json:"data"`
		}
		if err := hc.do(ctx, http.MethodGet, "/users", q, nil, &body); err != nil {
			return nil, err
		}
		for _, u := range body.Data {
			out[strings.ToLower(u.Login)] = u.ID
		}
	}
	return out, nil
}

// SendChatMessage posts text to a channel as senderID.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error {
	if broadcasterID == "" || senderID == "" {
		return errors.New("broadcaster and sender ids are required")
	}
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/chat/messages", nil, payload, &body); err != nil {
		return err
	}
	if len(body.Data) > 0 && !body.Data[0].IsSent {
		dropped := &MessageDroppedError{Code: "unknown"}
		if r := body.Data[0].DropReason; r != nil {
			dropped.Code, dropped.Message = r.Code, r.Message
		}
		return dropped
	}
	return nil
}

// IsLive reports whether the broadcaster is streaming. Results are cached for LiveCacheTTL.
func (hc *HelixClient) IsLive(ctx context.Context, broadcasterID string) (bool, error) {
	ttl := hc.LiveCacheTTL
	if ttl > 0 {
		hc.liveMu.Lock()
		e, ok := hc.live[broadcasterID]
		hc.liveMu.Unlock()
		if ok && time.Since(e.at) < ttl {
			return e.live, nil
		}
	}

	var body struct {
		Data []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/streams", url.Values{"user_id": {broadcasterID}}, nil, &body); err != nil {
		return false, err
	}
	live := len(body.Data) > 0

	if ttl > 0 {
		hc.liveMu.Lock()
		if hc.live == nil {
			hc.live = make(map[string]liveEntry)
		}
		hc.live[broadcasterID] = liveEntry{live: live, at: time.Now()}
		hc.liveMu.Unlock()
	}
	return live, nil
}

// CreateChatSubscription subscribes the websocket session to chat messages in a channel.
func (hc *HelixClient) CreateChatSubscription(ctx context.Context, sessionID, broadcasterID, userID string) (Subscription, error) {
	payload := map[string]any{
		"type":    ChatMessageType,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
			"user_id":             userID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, payload, &body); err != nil {
		return Subscription{}, err
	}
	if len(body.Data) == 0 {
		return Subscription{}, errors.New("eventsub subscription response had no data")
	}
	return body.Data[0], nil
}

// DeleteSubscription removes a subscription by id.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	return hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil)
}

// ListSubscriptions returns all subscriptions, optionally filtered by status.
func (hc *HelixClient) ListSubscriptions(ctx context.Context, status string) ([]Subscription, error) {
	var out []Subscription
	after := ""
	for {
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data       []Subscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
}
