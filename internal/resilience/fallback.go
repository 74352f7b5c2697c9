package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/openbotx/openbotx/internal/observe"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// sat behind an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the retry policy and the per-backend circuit
// breakers of a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Retry is applied per backend before the group moves to the next one.
	// A zero MaxAttempts means 2 attempts.
	Retry RetryConfig
}

// backend pairs one provider instance with its dedicated circuit breaker.
type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of one
// provider type. Calls are retried against each backend in registration
// order; an open breaker skips its backend without burning retry attempts.
//
// FallbackGroup is safe for concurrent use after the last AddFallback.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 2
	}
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a fallback backend, tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.backends = append(fg.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute tries fn against each backend in order until one succeeds. Each
// backend gets the group's retry budget; [ErrCircuitOpen] is not retried.
// Returns [ErrAllFailed] wrapping the last error when every backend fails.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	var lastErr error
	for i := range fg.backends {
		b := &fg.backends[i]
		err := fg.attempt(ctx, b, func() error { return fn(b.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			observe.Logger(ctx).Debug("skipping backend, circuit open", "backend", b.name)
		} else {
			observe.Logger(ctx).Warn("backend failed, trying next",
				"backend", b.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// attempt runs call against one backend under its breaker, retrying with
// backoff. An open breaker aborts the retry loop immediately so the group
// can move on.
func (fg *FallbackGroup[T]) attempt(ctx context.Context, b *backend[T], call func() error) error {
	retryCfg := fg.cfg.Retry
	retryCfg.Name = b.name
	return Retry(ctx, retryCfg, func(ctx context.Context) error {
		err := b.breaker.Execute(ctx, call)
		if errors.Is(err, ErrCircuitOpen) {
			return Permanent(err)
		}
		return err
	})
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. Package-level because Go has no method-level type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var result R
	err := fg.Execute(ctx, func(v T) error {
		var innerErr error
		result, innerErr = fn(v)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
