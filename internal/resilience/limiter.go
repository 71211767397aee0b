package resilience

import "sync"

// DefaultMaxConcurrent is the per-provider in-flight request cap.
const DefaultMaxConcurrent = 10

// ConcurrencyLimiter caps in-flight requests for one provider.
// The in-flight count stays within [0, max].
type ConcurrencyLimiter struct {
	mu      sync.Mutex
	current int
	max     int
}

// NewConcurrencyLimiter builds a limiter with the given cap.
// Non-positive caps take DefaultMaxConcurrent.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &ConcurrencyLimiter{max: max}
}

// TryAcquire takes a slot if one is free and reports whether it did.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current >= l.max {
		return false
	}
	l.current++
	return true
}

// Release frees a slot taken by TryAcquire. Releasing more than was
// acquired is a no-op rather than a panic.
func (l *ConcurrencyLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current > 0 {
		l.current--
	}
}

// InFlight returns the number of slots currently taken.
func (l *ConcurrencyLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Max returns the configured cap.
func (l *ConcurrencyLimiter) Max() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// SetMax adjusts the cap at runtime. In-flight requests above a lowered
// cap drain naturally; no new slots are granted until below the cap.
func (l *ConcurrencyLimiter) SetMax(max int) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = max
}
