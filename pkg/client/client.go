// Package client provides an HTTP client with a response cache, retries with
// backoff, and error classification.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/httpcache-client/pkg/cache"
	"github.com/Sternrassler/httpcache-client/pkg/logging"
	"github.com/rs/zerolog"
)

// Client sends requests through a cache.Orchestrator. The network call is the
// orchestrator's ExecuteFunc; retries happen inside it, so a cached entry is only
// served stale after every attempt failed.
type Client struct {
	httpClient *http.Client
	cache      *cache.Orchestrator
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent when the request has none
	UserAgent string

	// Timeout bounds each attempt
	Timeout time.Duration

	// Cache settings; cache.Disabled() sends every request to the network
	Cache cache.Settings

	// Store backs the cache. Nil uses a MemoryStore with MemoryCapacity entries.
	Store          cache.Store
	MemoryCapacity int

	// Retry
	Retry RetryConfig
}

// DefaultConfig returns a configuration with an enabled in-memory cache.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:      userAgent,
		Timeout:        30 * time.Second,
		Cache:          cache.Enabled(cache.DefaultOptions()),
		MemoryCapacity: cache.DefaultMemoryCapacity,
		Retry:          DefaultRetryConfig(),
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}

	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	if cfg.Retry.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("backoff_multiplier must be >= 1 (got %g)", cfg.Retry.BackoffMultiplier)
	}

	store := cfg.Store
	if store == nil {
		store = cache.NewMemoryStore(cfg.MemoryCapacity)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:  cache.NewOrchestrator(cfg.Cache, store, cache.WithLogger(logging.NewLogger("http-cache"))),
		config: cfg,
		logger: logging.NewLogger("http-client"),
	}, nil
}

type contextKey int

const (
	forceRefreshKey contextKey = iota
	cacheKeyKey
)

// WithForceRefresh marks requests made with ctx to skip the cache lookup.
// The fresh response is still stored.
func WithForceRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, forceRefreshKey, true)
}

// WithCacheKey keys requests made with ctx by name instead of method, URI and vary
// headers.
func WithCacheKey(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, cacheKeyKey, name)
}

// Do performs req through the cache. Transport failures that no stale entry can
// cover are returned as errors; every HTTP status, including 4xx and 5xx, is a
// response. The cache outcome is in the X-Cache-Status header (see cache.StatusOf).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	creq, err := cache.NewRequest(req)
	if err != nil {
		return nil, fmt.Errorf("prepare request: %w", err)
	}
	if force, _ := ctx.Value(forceRefreshKey).(bool); force {
		creq.ForceRefresh = true
	}
	if name, _ := ctx.Value(cacheKeyKey).(string); name != "" {
		creq.CacheKey = name
	}

	startTime := time.Now()
	defer func() {
		clientRequestDuration.WithLabelValues(creq.Method).Observe(time.Since(startTime).Seconds())
	}()

	resp, status, err := c.cache.LookupOrExecute(ctx, creq, c.execute)
	if err != nil {
		clientRequestsTotal.WithLabelValues(creq.Method, "error").Inc()
		c.logger.Error().Err(err).Str("method", creq.Method).Str("uri", creq.URI).Msg("Request failed")
		return nil, err
	}

	label := strings.ToLower(string(status))
	if label == "" {
		label = "none"
	}
	clientRequestsTotal.WithLabelValues(creq.Method, label).Inc()

	c.logger.Debug().
		Str("method", creq.Method).
		Str("uri", creq.URI).
		Int("status", resp.StatusCode).
		Str("cache_status", label).
		Msg("Request completed")

	return resp.HTTPResponse(req), nil
}

// execute sends req over the network, retrying network failures, 5xx and 429. When
// the origin keeps answering with a retryable status, its last answer is returned as
// the response.
func (c *Client) execute(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	var last *cache.Response

	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func(attempt int) (ErrorClass, time.Duration, error) {
		last = nil

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, bodyReader(req.Body))
		if err != nil {
			return "", 0, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header = req.Header.Clone()

		hresp, err := c.httpClient.Do(httpReq)
		if err == nil {
			last, err = cache.NewResponse(hresp)
		}
		if err != nil {
			clientErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			clientAttemptsTotal.WithLabelValues("network_error").Inc()
			c.logger.Warn().
				Err(err).
				Str("uri", req.URI).
				Int("attempt", attempt).
				Msg("HTTP request failed")
			return ErrorClassNetwork, 0, &HTTPError{
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        err,
			}
		}

		clientAttemptsTotal.WithLabelValues(strconv.Itoa(last.StatusCode)).Inc()

		class := classifyStatus(last.StatusCode)
		if class == "" {
			return "", 0, nil
		}
		clientErrorsTotal.WithLabelValues(string(class)).Inc()
		if !shouldRetry(class) {
			return class, 0, nil
		}

		c.logger.Warn().
			Str("uri", req.URI).
			Int("status", last.StatusCode).
			Str("error_class", string(class)).
			Msg("HTTP error response")

		return class, retryAfter(last.Header, time.Now()), &HTTPError{
			StatusCode: last.StatusCode,
			ErrorClass: class,
			Message:    http.StatusText(last.StatusCode),
		}
	})

	if err != nil {
		if last != nil && errors.Is(err, ErrRetryExhausted) {
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// Get performs a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// Stats is a snapshot of the cache state.
type Stats struct {
	Enabled bool   `json:"enabled"`
	Store   string `json:"store"`
	Entries int    `json:"entries"`
}

// Stats reports whether caching is enabled and how many entries the store holds.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	store := c.cache.Store()
	n, err := store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count cache entries: %w", err)
	}
	return Stats{
		Enabled: c.cache.Settings().IsEnabled(),
		Store:   store.Name(),
		Entries: n,
	}, nil
}

// Clear removes every cached response.
func (c *Client) Clear(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// Prune removes expired cached responses and returns how many were removed.
func (c *Client) Prune(ctx context.Context) (int, error) {
	return c.cache.Prune(ctx)
}

// Close releases idle connections and closes the store when it holds resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	if closer, ok := c.cache.Store().(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Cache returns the orchestrator, for reconfiguration or store swaps at runtime.
func (c *Client) Cache() *cache.Orchestrator {
	return c.cache
}
