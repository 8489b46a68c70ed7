// Package resilience guards calls to the brokerage with a circuit breaker.
package resilience

import (
	"context"
	"sync"
	"time"

	"arki-trader/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	stats     Stats
}

// Stats holds circuit breaker counters.
type Stats struct {
	Name            string
	State           CircuitState
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejected   int64
	LastStateChange time.Time
}

// New creates a closed circuit breaker.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn under cb and returns its result. A rejected call returns
// an error wrapping errors.ErrCircuitOpen without invoking fn.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}

	v, err := fn(ctx)
	cb.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var changed []CircuitState

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.stats.TotalRejected++
			cb.mu.Unlock()
			return errors.Wrapf(errors.ErrCircuitOpen, "%s", cb.name)
		}
		changed = cb.transition(CircuitHalfOpen)
	}
	cb.stats.TotalRequests++
	cb.mu.Unlock()

	cb.fire(changed)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var changed []CircuitState

	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	if failed {
		cb.stats.TotalFailures++
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				changed = cb.transition(CircuitOpen)
			}
		case CircuitHalfOpen:
			changed = cb.transition(CircuitOpen)
		}
	} else {
		cb.stats.TotalSuccesses++
		switch cb.state {
		case CircuitClosed:
			cb.failures = 0
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				changed = cb.transition(CircuitClosed)
			}
		}
	}
	cb.mu.Unlock()

	cb.fire(changed)
}

// transition must be called with mu held. It returns the from/to pair for fire.
func (cb *CircuitBreaker) transition(to CircuitState) []CircuitState {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.stats.LastStateChange = cb.now()
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}
	return []CircuitState{from, to}
}

func (cb *CircuitBreaker) fire(changed []CircuitState) {
	if len(changed) == 2 && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, changed[0], changed[1])
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.stats
	s.Name = cb.name
	s.State = cb.state
	return s
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.transition(CircuitClosed)
	cb.mu.Unlock()
	if changed[0] != changed[1] {
		cb.fire(changed)
	}
}
