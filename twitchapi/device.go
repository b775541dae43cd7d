package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// ChatScopes are the scopes the bot token needs.
var ChatScopes = []string{"chat:read", "chat:edit", "user:read:chat", "user:write:chat"}

var (
	// ErrDeviceCodeExpired means the user did not authorize in time.
	ErrDeviceCodeExpired = errors.New("device code expired")
	// ErrAccessDenied means the user declined the authorization.
	ErrAccessDenied = errors.New("authorization denied by user")
)

// DeviceFlow runs the OAuth device authorization grant against Twitch.
type DeviceFlow struct {
	BaseURL    string
	ClientID   string
	Scopes     []string
	HTTPClient *http.Client
}

// DeviceCode is the pending authorization shown to the user.
type DeviceCode struct {
	DeviceCode      string        `json:"device_code"`
	UserCode        string        `json:"user_code"`
	VerificationURI string        `json:"verification_uri"`
	ExpiresIn       int           `json:"expires_in"`
	Interval        int           `json:"interval"`
	PollInterval    time.Duration `json:"-"`
}

// DeviceToken is the token pair issued once the user authorizes.
type DeviceToken struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
}

type deviceError struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// reason returns the machine-readable error; Twitch uses either field.
func (e deviceError) reason() string {
	for _, s := range []string{e.Message, e.Error} {
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case "authorization_pending", "slow_down", "expired_token", "access_denied", "invalid device code":
			return s
		}
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func (f *DeviceFlow) http() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

func (f *DeviceFlow) endpoint(path string) string {
	base := f.BaseURL
	if base == "" {
		base = DefaultAuthBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

func (f *DeviceFlow) post(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.http().Do(req)
}

// RequestCode starts the flow and returns the code the user must enter.
func (f *DeviceFlow) RequestCode(ctx context.Context) (DeviceCode, error) {
	if f.ClientID == "" {
		return DeviceCode{}, errors.New("client id is required")
	}
	scopes := f.Scopes
	if len(scopes) == 0 {
		scopes = ChatScopes
	}
	form := url.Values{}
	form.Set("client_id", f.ClientID)
	form.Set("scopes", strings.Join(scopes, " "))

	resp, err := f.post(ctx, "/device", form)
	if err != nil {
		return DeviceCode{}, fmt.Errorf("request device code: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return DeviceCode{}, decodeAPIError(resp, "/device")
	}

	var dc DeviceCode
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&dc); err != nil {
		return DeviceCode{}, fmt.Errorf("decode device code response: %w", err)
	}
	if dc.DeviceCode == "" || dc.UserCode == "" || dc.VerificationURI == "" {
		return DeviceCode{}, errors.New("device code response missing required fields")
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	if dc.ExpiresIn <= 0 {
		dc.ExpiresIn = 900
	}
	dc.PollInterval = time.Duration(dc.Interval) * time.Second
	return dc, nil
}

// Poll waits for the user to authorize dc. authorization_pending keeps
// polling, slow_down adds five seconds to the interval, expired_token and
// access_denied end the flow. Transient network errors are retried.
func (f *DeviceFlow) Poll(ctx context.Context, dc DeviceCode) (*DeviceToken, error) {
	interval := dc.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	if dc.ExpiresIn <= 0 {
		deadline = time.Now().Add(15 * time.Minute)
	}

	for {
		if time.Now().After(deadline) {
			return nil, ErrDeviceCodeExpired
		}
		tok, pending, slow, err := f.pollOnce(ctx, dc)
		if err != nil {
			return nil, err
		}
		if !pending {
			return tok, nil
		}
		if slow {
			interval += 5 * time.Second
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (f *DeviceFlow) pollOnce(ctx context.Context, dc DeviceCode) (tok *DeviceToken, pending, slow bool, err error) {
	form := url.Values{}
	form.Set("client_id", f.ClientID)
	form.Set("device_code", dc.DeviceCode)
	form.Set("grant_type", deviceCodeGrantType)
	scopes := f.Scopes
	if len(scopes) == 0 {
		scopes = ChatScopes
	}
	form.Set("scopes", strings.Join(scopes, " "))

	resp, err := f.post(ctx, "/token", form)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, false, ctx.Err()
		}
		// network hiccup: treat as pending and try again next tick
		return nil, true, false, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, false, nil
	}
	if resp.StatusCode == http.StatusOK {
		var t DeviceToken
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, false, false, fmt.Errorf("decode token response: %w", err)
		}
		if t.AccessToken == "" {
			return nil, false, false, errors.New("token response missing access token")
		}
		return &t, false, false, nil
	}

	var de deviceError
	if err := json.Unmarshal(body, &de); err != nil {
		return nil, false, false, fmt.Errorf("poll token: HTTP %d", resp.StatusCode)
	}
	switch reason := de.reason(); reason {
	case "authorization_pending":
		return nil, true, false, nil
	case "slow_down":
		return nil, true, true, nil
	case "expired_token", "invalid device code":
		return nil, false, false, ErrDeviceCodeExpired
	case "access_denied":
		return nil, false, false, ErrAccessDenied
	default:
		return nil, false, false, &APIError{Status: resp.StatusCode, Message: reason, Endpoint: "/token"}
	}
}
