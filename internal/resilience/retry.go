package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig controls the behaviour of [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt. Default 250ms.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff. Default 10s.
	MaxDelay time.Duration

	// Name identifies the operation in logs.
	Name string
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff and
// jitter between attempts. It stops early when fn succeeds, when fn returns
// an error marked permanent via [Permanent], or when ctx is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		// Full jitter: sleep a random duration in [0, delay).
		sleep := time.Duration(rand.Int64N(int64(delay)))
		slog.Debug("retrying after failure",
			"operation", cfg.Name, "attempt", attempt, "delay", sleep, "error", lastErr)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry %q: %w", cfg.Name, ctx.Err())
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("retry %q: %d attempts exhausted: %w", cfg.Name, attempts, lastErr)
}

// permanentError wraps an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. [Retry] returns the wrapped error
// immediately without consuming further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
