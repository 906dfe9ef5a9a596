package warmup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/httpcache-client/pkg/cache"
	"github.com/Sternrassler/httpcache-client/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds warmer configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests
	MaxConcurrency int
	// Timeout per URL
	Timeout time.Duration
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// Doer sends a request; *client.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is the outcome of warming one URL.
type Result struct {
	URL         string
	StatusCode  int
	CacheStatus cache.Status
	Err         error
}

// Warmer fetches URL lists through a Doer.
type Warmer struct {
	doer   Doer
	config Config
	logger zerolog.Logger
}

// New creates a warmer. Non-positive config values fall back to DefaultConfig.
func New(doer Doer, config Config) *Warmer {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &Warmer{
		doer:   doer,
		config: config,
		logger: logging.NewLogger("warmup"),
	}
}

// Warm fetches every URL with GET. Results are returned in input order. A failed URL
// does not stop the others; the returned error joins every failure. Cancelling ctx
// stops fetches that have not started yet.
func (w *Warmer) Warm(ctx context.Context, urls []string) ([]Result, error) {
	start := time.Now()
	results := make([]Result, len(urls))

	w.logger.Info().
		Int("urls", len(urls)).
		Int("concurrency", w.config.MaxConcurrency).
		Msg("Starting cache warm-up")

	var done atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(w.config.MaxConcurrency)

	for i, url := range urls {
		results[i].URL = url
		if ctx.Err() != nil {
			results[i].Err = ctx.Err()
			continue
		}
		g.Go(func() error {
			results[i] = w.fetch(ctx, url)

			// Progress logging every 50 URLs
			if n := done.Add(1); n%50 == 0 {
				w.logger.Info().
					Int64("fetched", n).
					Int("total", len(urls)).
					Msg("Warm-up progress")
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.URL, r.Err))
		}
	}

	w.logger.Info().
		Int("urls", len(urls)).
		Int("failed", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("Warm-up complete")

	if len(errs) > 0 {
		return results, fmt.Errorf("warm-up incomplete (%d/%d urls failed): %w", len(errs), len(urls), errors.Join(errs...))
	}
	return results, nil
}

func (w *Warmer) fetch(ctx context.Context, url string) Result {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}

	resp, err := w.doer.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Str("url", url).Msg("Warm-up fetch failed")
		return Result{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return Result{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	w.logger.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Str("cache_status", string(cache.StatusOf(resp))).
		Msg("Warmed")

	return Result{
		URL:         url,
		StatusCode:  resp.StatusCode,
		CacheStatus: cache.StatusOf(resp),
	}
}
