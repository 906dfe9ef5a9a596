package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the initial request.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including Retry-After hints.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// attemptFunc performs one attempt. A nil error ends the loop. retryAfter, when
// positive, replaces the computed backoff for the next wait.
type attemptFunc func(attempt int) (class ErrorClass, retryAfter time.Duration, err error)

// retryWithBackoff executes fn with exponential backoff until it succeeds, fails with
// a non-retryable class, or runs out of attempts. Waits carry ±20% jitter and stop
// early when ctx is cancelled.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn attemptFunc) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		lastErr   error
		lastClass ErrorClass
	)
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		class, retryAfter, err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr, lastClass = err, class

		if !shouldRetry(class) {
			return err
		}
		if attempt >= attempts {
			break
		}

		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		if retryAfter > 0 {
			wait = retryAfter
		}
		if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}

		clientRetriesTotal.WithLabelValues(string(class)).Inc()
		clientRetryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

		logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	clientRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}
