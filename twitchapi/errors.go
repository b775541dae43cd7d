package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from Helix or the OAuth endpoints.
type APIError struct {
	Status   int
	Message  string
	Endpoint string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("twitch %s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("twitch %s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts Twitch call failures into retryable vs fatal.
//
// Fatal: 400, 401, 403, 404, 409 and 422 responses, and a cancelled context.
// Retryable: 429 and 5xx responses, network errors, timeouts.
// Anything unrecognised is treated as retryable so callers do not give up early.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests, apiErr.Status >= 500:
			return ErrorClassRetryable
		case apiErr.Status >= 400:
			return ErrorClassFatal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"unauthorized", "invalid oauth token", "missing scope"} {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// IsAuthError reports whether err is a 401/403 rejection of the token.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

// IsConflict reports whether err is a 409 (duplicate subscription).
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return Classify(err) == ErrorClassRetryable
}
