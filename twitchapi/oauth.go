package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// DefaultAuthBaseURL is the production OAuth root.
const DefaultAuthBaseURL = "https://id.twitch.tv/oauth2"

// TokenInfo is the /validate response for a user token.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// HasScope reports whether the token carries scope.
func (ti *TokenInfo) HasScope(scope string) bool { return slices.Contains(ti.Scopes, scope) }

// MissingScopes returns the entries of want the token does not carry.
func (ti *TokenInfo) MissingScopes(want ...string) []string {
	var missing []string
	for _, s := range want {
		if !ti.HasScope(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// ValidateToken checks a user token against /validate. A rejected token
// yields an *APIError with status 401.
func ValidateToken(ctx context.Context, hc *http.Client, baseURL, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultAuthBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+strings.TrimPrefix(token, "oauth:"))
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp, "/validate")
	}
	var info TokenInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &info, nil
}

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// Endpoint returns the OAuth endpoint rooted at baseURL (the Twitch one when empty).
func Endpoint(baseURL string) oauth2.Endpoint {
	if baseURL == "" || strings.TrimRight(baseURL, "/") == DefaultAuthBaseURL {
		return twitch.Endpoint
	}
	base := strings.TrimRight(baseURL, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// RefreshToken exchanges a refresh token for a new access token.
// Pass an *http.Client in ctx via oauth2.HTTPClient to override transport.
func RefreshToken(ctx context.Context, baseURL, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	oc := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: Endpoint(baseURL)}
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &APIError{Status: re.Response.StatusCode, Message: strings.TrimSpace(string(re.Body)), Endpoint: "/token"}
		}
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	res := &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scopeString(tok.Extra("scope")),
	}
	if res.Expiry.IsZero() {
		res.Expiry = ComputeExpiry(0)
	}
	return res, nil
}

// scopeString flattens Twitch's scope array (or a plain string) into a space-joined list.
func scopeString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
