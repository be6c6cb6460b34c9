package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/workflows/core"
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Threshold        int           // consecutive failures before opening
	Timeout          time.Duration // how long to stay open before probing
	HalfOpenRequests int           // successes required in half-open to close
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:        5,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 3,
	}
}

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker protects the http_request action executor (and any other
// outbound call) from hammering a downstream that is already failing.
// Each ActionExecutor holds one instance, shared by every http_request call
// that executor makes, whatever its target.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	state  state

	failures        int
	halfOpenSuccess int
	openedAt        time.Time
	logger          core.Logger
}

// NewCircuitBreaker builds a CircuitBreaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: stateClosed, logger: core.NoOpLogger{}}
}

// SetLogger attaches a logger for state-transition events.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	cb.logger = logger
}

// CanExecute reports whether a call should be attempted right now, flipping
// open -> half-open once the timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed, stateHalfOpen:
		return true
	case stateOpen:
		if time.Since(cb.openedAt) >= cb.config.Timeout {
			cb.state = stateHalfOpen
			cb.halfOpenSuccess = 0
			return true
		}
		return false
	}
	return true
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.config.HalfOpenRequests {
			cb.state = stateClosed
			cb.failures = 0
		}
	case stateClosed:
		cb.failures = 0
	}
}

// RecordFailure registers a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateHalfOpen:
		cb.state = stateOpen
		cb.openedAt = time.Now()
	case stateClosed:
		cb.failures++
		if cb.failures >= cb.config.Threshold {
			cb.state = stateOpen
			cb.openedAt = time.Now()
			cb.logger.Warn("circuit breaker opened", map[string]interface{}{"failures": cb.failures})
		}
	}
}

// GetState returns the current state as a string: "closed", "open", or "half-open".
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Reset forces the circuit breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
	cb.halfOpenSuccess = 0
}

// Execute runs fn if the circuit allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		return core.ErrCircuitBreakerOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
