package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/pagefold/internal/config"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultRateLimit   = 5 // requests per second
	defaultBurst       = 10
	defaultMaxRetries  = 3
	defaultBaseBackoff = 250 * time.Millisecond

	// maxResponseBytes caps a single page body read.
	maxResponseBytes = 4 * 1024 * 1024
)

// TokenSource supplies the bearer token for API calls. The secure token
// store implements this; tests can stub it.
type TokenSource interface {
	Retrieve() (string, bool)
}

// ConfluenceClient fetches page content over the Confluence REST API.
type ConfluenceClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewConfluenceClient creates an HTTP fetch client for the configured
// Confluence instance. tokens may be nil for anonymous access.
func NewConfluenceClient(cfg config.ConfluenceConfig, tokens TokenSource, logger *zap.Logger) (*ConfluenceClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("confluence base URL required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultBurst
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = defaultMaxRetries
	}

	return &ConfluenceClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		maxRetries: retries,
		logger:     logger,
	}, nil
}

// contentResponse is the subset of the Confluence content API response
// the pipeline needs.
type contentResponse struct {
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
}

// FetchContent implements Client.
//
// The request is rate limited, bounded by the client timeout and ctx,
// and retried with exponential backoff on transient failures. Not-found
// and auth failures are terminal.
func (c *ConfluenceClient) FetchContent(ctx context.Context, pageID string) (string, error) {
	if strings.TrimSpace(pageID) == "" {
		return "", &Error{PageID: pageID, Err: ErrInvalidID}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{PageID: pageID, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", &Error{PageID: pageID, Err: ctx.Err()}
			}
		}

		content, err := c.doRequest(ctx, pageID)
		if err == nil {
			return content, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
		c.logger.Debug("retrying content fetch",
			zap.String("page_id", pageID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *ConfluenceClient) doRequest(ctx context.Context, pageID string) (string, error) {
	url := fmt.Sprintf("%s/rest/api/content/%s?expand=body.storage", c.baseURL, pageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &Error{PageID: pageID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token, ok := c.tokens.Retrieve(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{PageID: pageID, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", &Error{PageID: pageID, Status: resp.StatusCode, Err: ErrNotFound}
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", &Error{PageID: pageID, Status: resp.StatusCode, Err: ErrUnauthorized}
	case http.StatusTooManyRequests:
		return "", &Error{PageID: pageID, Status: resp.StatusCode, Err: ErrRateLimited}
	default:
		return "", &Error{PageID: pageID, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &Error{PageID: pageID, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var parsed contentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{PageID: pageID, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	return parsed.Body.Storage.Value, nil
}

// isRetryable reports whether a fetch error is worth another attempt.
// Rate limiting, 5xx responses, and transport errors are retryable;
// not-found and auth failures are not.
func isRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidID) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Status >= 400 && fe.Status < 500 && fe.Status != http.StatusTooManyRequests {
		return false
	}
	return true
}
