// Package resilience wraps the outbound provider calls of the message
// pipeline with retry, circuit breaking and failover.
//
// Every backend in a [FallbackGroup] gets its own [CircuitBreaker]; calls are
// retried with backoff against one backend before the group moves on to the
// next. All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openbotx/openbotx/internal/observe"
)

// ErrCircuitOpen is returned without invoking the call while a breaker's
// cool-off is still running.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cool-off
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// between closing and re-opening.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes one breaker. Model and embedding calls are slow
// and expensive, so the defaults trip early and recover cautiously.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, usually the backend name.
	Name string

	// MaxFailures is the failure streak that opens the breaker. Default 3.
	MaxFailures int

	// ResetTimeout is the open-state cool-off before probing. Default 20s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of consecutive successful probes required to
	// close again; it also caps in-flight probes. Default 2.
	HalfOpenMax int
}

// CircuitBreaker guards one backend of the pipeline.
type CircuitBreaker struct {
	name       string
	trip       int
	coolOff    time.Duration
	probeQuota int

	mu         sync.Mutex
	state      State
	failStreak int
	openedAt   time.Time
	probes     int
	probeOKs   int
}

// NewCircuitBreaker builds a closed breaker, filling zero config fields with
// the defaults documented on [CircuitBreakerConfig].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 20 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	return &CircuitBreaker{
		name:       cfg.Name,
		trip:       cfg.MaxFailures,
		coolOff:    cfg.ResetTimeout,
		probeQuota: cfg.HalfOpenMax,
	}
}

// Execute runs fn when the breaker admits the call and feeds the outcome back
// into the breaker. While open it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	probing, err := cb.admit(ctx)
	if err != nil {
		return err
	}
	err = fn()
	cb.record(ctx, err, probing)
	return err
}

// admit decides whether a call may proceed, handling the open→half-open
// transition. The returned bool marks the call as a half-open probe.
func (cb *CircuitBreaker) admit(ctx context.Context) (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.coolOff {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOKs = 0
		observe.Logger(ctx).Info("circuit breaker probing", "breaker", cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.probeQuota {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// record folds a call outcome into the breaker state.
func (cb *CircuitBreaker) record(ctx context.Context, err error, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil && probing:
		cb.probeOKs++
		if cb.probeOKs >= cb.probeQuota {
			cb.state = StateClosed
			cb.failStreak = 0
			observe.Logger(ctx).Info("circuit breaker closed", "breaker", cb.name)
		}
	case err == nil:
		cb.failStreak = 0
	case probing:
		// One failed probe is enough evidence the backend is still down.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failStreak = cb.trip
		observe.Logger(ctx).Warn("circuit breaker re-opened", "breaker", cb.name)
	default:
		cb.failStreak++
		if cb.failStreak >= cb.trip {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			observe.Logger(ctx).Warn("circuit breaker opened",
				"breaker", cb.name, "failure_streak", cb.failStreak)
		}
	}
}

// State reports the breaker's mode. An open breaker whose cool-off has
// elapsed reports half-open; the stored transition happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.coolOff {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failStreak = 0
	cb.probes = 0
	cb.probeOKs = 0
}
