package provider

import (
	"sync"
	"time"
)

// DefaultMetricsWindow is the number of recent samples a metrics window
// retains.
const DefaultMetricsWindow = 1000

// MetricsSnapshot is a point-in-time copy of one adapter's request window,
// consumed by the router's performance and weighted strategies and by the
// detailed health endpoint.
type MetricsSnapshot struct {
	TotalRequests      uint64        `json:"total_requests"`
	SuccessfulRequests uint64        `json:"successful_requests"`
	FailedRequests     uint64        `json:"failed_requests"`
	AvgResponseTime    time.Duration `json:"avg_response_time_ms"`
	SuccessRate        float64       `json:"success_rate"`
	WindowSize         int           `json:"window_size"`
}

// Metrics is a bounded sliding window of request outcomes. The zero value is
// not usable; construct with NewMetrics. Safe for concurrent use.
type Metrics struct {
	mu      sync.Mutex
	limit   int
	samples []sample
	next    int
	filled  bool

	total   uint64
	success uint64
	failed  uint64
}

type sample struct {
	duration time.Duration
	ok       bool
}

// NewMetrics creates a window retaining the most recent limit samples.
// Non-positive limits fall back to DefaultMetricsWindow.
func NewMetrics(limit int) *Metrics {
	if limit <= 0 {
		limit = DefaultMetricsWindow
	}
	return &Metrics{limit: limit, samples: make([]sample, 0, limit)}
}

// Record appends one request outcome, evicting the oldest sample when the
// window is full.
func (m *Metrics) Record(duration time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if ok {
		m.success++
	} else {
		m.failed++
	}

	s := sample{duration: duration, ok: ok}
	if len(m.samples) < m.limit {
		m.samples = append(m.samples, s)
		return
	}
	m.samples[m.next] = s
	m.next = (m.next + 1) % m.limit
	m.filled = true
}

// Snapshot copies the current window state. SuccessRate reflects the window,
// not lifetime totals, and is 1.0 for an empty window so new providers are
// not penalized by routing strategies.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests:      m.total,
		SuccessfulRequests: m.success,
		FailedRequests:     m.failed,
		SuccessRate:        1.0,
		WindowSize:         len(m.samples),
	}
	if len(m.samples) == 0 {
		return snap
	}

	var sum time.Duration
	okCount := 0
	for _, s := range m.samples {
		sum += s.duration
		if s.ok {
			okCount++
		}
	}
	snap.AvgResponseTime = sum / time.Duration(len(m.samples))
	snap.SuccessRate = float64(okCount) / float64(len(m.samples))
	return snap
}
