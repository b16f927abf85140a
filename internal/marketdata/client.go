// Package marketdata provides a rate-limited client for the external
// options and equity data service, plus typed wrappers for the endpoints
// the chart and earnings pipelines consume.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrRateLimitExceeded is returned once every retry of a rate-limited
// request has been exhausted. The last upstream response is wrapped.
var ErrRateLimitExceeded = errors.New("rate limit retries exhausted")

// ErrNoData marks an expected empty result (nothing listed, nothing
// traded) as opposed to a failed fetch. Callers at the boundary rely on
// the distinction to report "no data" instead of "upstream error".
var ErrNoData = errors.New("no data")

// APIError represents a non-success response from the data service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Config controls request pacing, concurrency, and retry behavior for a
// Client. Zero values fall back to the defaults below, except MaxRetries
// where an explicit zero disables retrying; leave it nil for the default.
type Config struct {
	BaseURL       string
	APIKey        string
	Spacing       time.Duration // minimum gap between dispatched requests
	MaxConcurrent int64         // in-flight request ceiling
	MaxRetries    *int          // retries after a rate-limit response; 0 disables
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Timeout       time.Duration // per-request HTTP timeout
}

const (
	defaultBaseURL       = "https://api.unusualwhales.com"
	defaultSpacing       = 150 * time.Millisecond
	defaultMaxConcurrent = 4
	defaultMaxRetries    = 3
	defaultBaseBackoff   = 500 * time.Millisecond
	defaultMaxBackoff    = 10 * time.Second
	defaultTimeout       = 30 * time.Second
)

// Client issues GET requests against the data service while enforcing a
// global minimum inter-request interval and a bounded number of in-flight
// requests. Pacing state belongs to one Client value; independent clients
// do not share it.
type Client struct {
	http   *http.Client
	cfg    Config
	sem    *semaphore.Weighted
	logger *log.Logger

	mu           sync.Mutex
	lastDispatch time.Time
}

// NewClient creates a Client with defaults applied for unset config
// fields.
func NewClient(cfg Config, logger *log.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Spacing <= 0 {
		cfg.Spacing = defaultSpacing
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxRetries == nil {
		retries := defaultMaxRetries
		cfg.MaxRetries = &retries
	} else if *cfg.MaxRetries < 0 {
		zero := 0
		cfg.MaxRetries = &zero
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.http = h
	}
	return c
}

// get acquires a concurrency slot, paces the dispatch, and issues the
// request, retrying with exponential backoff on rate-limit responses.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	var lastRateLimit *APIError
	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx); err != nil {
			return err
		}

		status, body, err := c.do(ctx, path, params)
		if err != nil {
			return err
		}

		if status == http.StatusTooManyRequests {
			lastRateLimit = &APIError{Status: status, Body: string(body)}
			if attempt >= *c.cfg.MaxRetries {
				return fmt.Errorf("%w: %w", ErrRateLimitExceeded, lastRateLimit)
			}
			delay := backoffDelay(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempt)
			c.logger.Printf("rate limited on %s, retry %d/%d in %v", path, attempt+1, *c.cfg.MaxRetries, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if status != http.StatusOK {
			return &APIError{Status: status, Body: fmt.Sprintf("GET %s -> %s", path, string(body))}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
		return nil
	}
}

// pace reserves the next dispatch slot under the lock so that spacing
// holds across concurrent callers, then sleeps out any remaining wait.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	next := c.lastDispatch.Add(c.cfg.Spacing)
	var wait time.Duration
	if next.After(now) {
		wait = next.Sub(now)
		c.lastDispatch = next
	} else {
		c.lastDispatch = now
	}
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) do(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	endpoint := c.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Add("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf("failed to close response body: %v", err)
		}
	}()

	// 4MB cap; the largest envelopes are intraday series well under this.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

// backoffDelay is min(base * 2^attempt, cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
