// Package fetch retrieves raw page content from a Confluence-style
// content repository.
//
// The package defines the Client interface consumed by the embedding
// pipeline and an HTTP implementation against the Confluence REST
// content API. Failures carry a typed Error so callers can distinguish
// not-found, auth, rate-limit, and transport problems.
package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors classifying fetch failures.
var (
	ErrNotFound     = errors.New("content not found")
	ErrUnauthorized = errors.New("authentication failed")
	ErrRateLimited  = errors.New("rate limited by remote")
	ErrInvalidID    = errors.New("invalid content identifier")
)

// Client fetches raw textual content for an opaque page identifier.
type Client interface {
	// FetchContent returns the raw content for pageID. The call honors
	// ctx cancellation and deadlines.
	FetchContent(ctx context.Context, pageID string) (string, error)
}

// Error wraps a fetch failure with the page identifier and, when the
// failure came from an HTTP response, the status code.
type Error struct {
	PageID string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.PageID, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.PageID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
