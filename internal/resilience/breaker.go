// Package resilience guards providers against cascading failures with
// per-provider circuit breakers, concurrency limiters and a bounded
// admission queue.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultFailureThreshold  = 5
	DefaultOpenTimeout       = 60 * time.Second
	DefaultHalfOpenSuccesses = 3
)

// BreakerConfig configures a CircuitBreaker. Zero fields take defaults.
type BreakerConfig struct {
	// Name identifies the breaker in logs, usually the provider name.
	Name string
	// FailureThreshold is the failure count that opens the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before a probe
	// transitions it to half-open.
	OpenTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive successes in
	// half-open that close the breaker again.
	HalfOpenSuccesses int
	// Logger for state transitions. Defaults to slog.Default.
	Logger *slog.Logger
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// CircuitBreaker tracks failures for one provider. Successes in the closed
// state decay the failure count by one, so a provider has to fail faster
// than it succeeds to trip the breaker.
//
// Allow, RecordSuccess and RecordFailure are safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time

	// now is swapped in tests.
	now func() time.Time
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: StateClosed, now: time.Now}
}

// Allow reports whether a request may pass. An open breaker whose timeout
// has elapsed transitions to half-open and admits the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cfg.OpenTimeout {
			cb.transition(StateHalfOpen)
			cb.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.HalfOpenSuccesses {
			cb.transition(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure notes a failed request. Callers decide which errors count;
// caller faults such as validation errors must not be recorded.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
		cb.successCount = 0
	}
}

// ForceHalfOpen moves an open breaker to half-open ahead of its timeout.
// Used as last-resort admission when every eligible provider is tripped.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return
	}
	cb.transition(StateHalfOpen)
	cb.successCount = 0
}

// Reset returns the breaker to closed with all counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	cb.failureCount = 0
	cb.successCount = 0
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastFailure returns when the breaker last recorded a failure.
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

// BreakerSnapshot is a point-in-time view for health reporting.
type BreakerSnapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failureCount"`
	LastFailure  time.Time `json:"lastFailure,omitzero"`
}

// Snapshot returns the breaker counters for health reporting.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:         cb.cfg.Name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
	}
}

// transition swaps state and logs it. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.cfg.Logger.Info("circuit breaker state change",
		"breaker", cb.cfg.Name,
		"from", from.String(),
		"to", to.String(),
		"failures", cb.failureCount,
	)
}
