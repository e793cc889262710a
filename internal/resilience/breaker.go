// Package resilience guards broker calls with a circuit breaker.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
	// IsFailure decides which errors count against the circuit. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
	Now       func() time.Time
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	rejected  int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{name: name, cfg: cfg, state: CircuitClosed}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithResult runs fn unless the circuit is open.
func ExecuteWithResult[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	if err := cb.allow(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn()
	cb.record(err)
	return v, err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	if cb.state != CircuitOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.Cooldown {
		cb.rejected++
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	from := cb.transition(CircuitHalfOpen)
	cb.mu.Unlock()
	cb.notify(from, CircuitHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}

	cb.mu.Lock()
	from, to := cb.state, cb.state
	if failed {
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				to = CircuitOpen
			}
		case CircuitHalfOpen:
			to = CircuitOpen
		}
	} else {
		switch cb.state {
		case CircuitClosed:
			cb.failures = 0
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				to = CircuitClosed
			}
		}
	}
	if to != from {
		cb.transition(to)
	}
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to)
	}
}

// transition moves to state and returns the previous one. Caller holds mu.
func (cb *CircuitBreaker) transition(state CircuitState) CircuitState {
	from := cb.state
	cb.state = state
	cb.failures = 0
	cb.successes = 0
	if state == CircuitOpen {
		cb.openedAt = cb.cfg.Now()
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
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

// Rejected returns how many calls were refused while open.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.transition(CircuitClosed)
	cb.mu.Unlock()
	if from != CircuitClosed {
		cb.notify(from, CircuitClosed)
	}
}
