package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Admission queue defaults.
const (
	DefaultQueueLimit    = 10000
	DefaultDrainBatch    = 100
	DefaultDrainInterval = 100 * time.Millisecond
)

var (
	// ErrQueueFull is returned when the admission queue is at capacity.
	ErrQueueFull = errors.New("admission queue full")
	// ErrQueueClosed is returned to waiters when the queue shuts down.
	ErrQueueClosed = errors.New("admission queue closed")
)

// AdmissionQueue parks requests that found no provider with a free
// concurrency slot. Waiters are released in FIFO order, either explicitly
// via Wake when a slot frees or in batches by the drain scheduler.
type AdmissionQueue struct {
	limit int
	log   *slog.Logger

	mu      sync.Mutex
	waiters []chan struct{}
	closed  bool
	done    chan struct{}
}

// NewAdmissionQueue builds a queue holding at most limit waiters.
// Non-positive limits take DefaultQueueLimit.
func NewAdmissionQueue(limit int, log *slog.Logger) *AdmissionQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &AdmissionQueue{limit: limit, log: log, done: make(chan struct{})}
}

// Wait parks the caller until a Wake releases it, the context ends, or the
// queue closes. Returns ErrQueueFull without parking when at capacity.
func (q *AdmissionQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.waiters) >= q.limit {
		q.mu.Unlock()
		q.log.Warn("admission queue full", "limit", q.limit)
		return ErrQueueFull
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		q.remove(ch)
		return ctx.Err()
	}
}

// Wake releases up to n waiters in FIFO order.
func (q *AdmissionQueue) Wake(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	if n > len(q.waiters) {
		n = len(q.waiters)
	}
	woken := q.waiters[:n]
	q.waiters = q.waiters[n:]
	q.mu.Unlock()

	for _, ch := range woken {
		close(ch)
	}
}

// Len returns the number of parked waiters.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Run drains the queue in batches until ctx is cancelled. It is a safety
// net behind the explicit Wake-on-release path; woken waiters that still
// find no capacity simply park again.
func (q *AdmissionQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(DefaultDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.Wake(DefaultDrainBatch)
		}
	}
}

// Close rejects future waiters and releases parked ones with ErrQueueClosed.
func (q *AdmissionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.waiters = nil
	close(q.done)
	q.mu.Unlock()
}

// remove unparks ch if it is still queued. A waiter woken concurrently
// with its context ending consumes the wake; the drain scheduler covers
// the lost slot.
func (q *AdmissionQueue) remove(ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}
