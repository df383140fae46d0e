package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"drover/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int           // Total attempts including the first (default: 3)
	BaseDelay   time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay    time.Duration // Cap on the backoff delay (default: 60s)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-transient error, or attempts are exhausted.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes a function that returns a result with retry logic.
// Transient errors are retried with full-jitter exponential backoff; a
// provider-supplied Retry-After hint overrides the computed delay.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}

	var lastErr error
	var zero T

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded on attempt %d/%d", attempt, config.MaxAttempts)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt, config.MaxAttempts, err)

		if !IsTransient(err) {
			logger.Debug("error is not transient, stopping retries")
			return zero, err
		}

		if attempt == config.MaxAttempts {
			logger.Warn("max attempts (%d) exhausted", config.MaxAttempts)
			break
		}

		delay := Backoff(attempt, config)
		if hint := RetryAfterHint(err); hint > 0 {
			delay = time.Duration(hint) * time.Second
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		logger.Debug("waiting %v before attempt %d", delay, attempt+1)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Backoff computes the full-jitter exponential backoff delay for the given
// attempt (1-based): a uniform random duration in [0, min(cap, base*2^(n-1))].
func Backoff(attempt int, config RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(config.BaseDelay) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(config.MaxDelay) {
		ceiling = float64(config.MaxDelay)
	}
	return time.Duration(rand.Float64() * ceiling)
}

// ShouldRetry is a helper to check if an operation should be retried.
func ShouldRetry(err error, attempt int, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	return IsTransient(err)
}
