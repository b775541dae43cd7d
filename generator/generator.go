// Package generator produces chat content (short texts and images) through
// a generative-AI HTTP API.
package generator

import (
	"context"
	"errors"
	"fmt"
)

// Generator is the content collaborator used by command handlers.
type Generator interface {
	Text(ctx context.Context, prompt string) (string, error)
	Image(ctx context.Context, description string) (Image, error)
}

// Image is a generated picture, either hosted (URL) or saved locally (Path).
type Image struct {
	URL  string
	Path string
}

// Ref returns the URL when hosted, otherwise the local path.
func (i Image) Ref() string {
	if i.URL != "" {
		return i.URL
	}
	return i.Path
}

// Kind groups generation failures for metrics and fallbacks.
type Kind string

const (
	KindRateLimited   Kind = "rate_limited"
	KindContentPolicy Kind = "content_policy"
	KindTimeout       Kind = "timeout"
	KindEmpty         Kind = "empty"
	KindUpstream      Kind = "upstream"
)

// GenerationError is returned for every failed generation. Callers surface
// it as a fallback message; it is never retried here.
type GenerationError struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("generator %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("generator %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsGenerationError reports whether err wraps a *GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
