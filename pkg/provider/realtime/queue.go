package realtime

import (
	"log/slog"
	"sync"
)

// SendQueue is a bounded FIFO of marshaled frames awaiting a writer.
//
// Push never blocks: when the queue is full, the oldest frame is evicted, a
// warning is logged, and the dropped counter is incremented. The multiplexer
// uses one for frames queued before the upstream opens; adapters use one so
// send methods stay non-blocking while a single writer preserves order.
type SendQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	limit   int
	dropped uint64
	log     *slog.Logger
}

// NewSendQueue returns a queue holding at most limit frames. Non-positive
// limits fall back to DefaultQueueLimit; a nil logger uses slog.Default.
func NewSendQueue(limit int, log *slog.Logger) *SendQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &SendQueue{limit: limit, log: log}
}

// Push appends a frame, evicting the oldest one when the queue is full.
func (q *SendQueue) Push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		q.dropped++
		q.log.Warn("send queue full, dropping oldest frame",
			"limit", q.limit,
			"dropped_total", q.dropped)
	}
	q.frames = append(q.frames, frame)
}

// Drain removes and returns all queued frames in FIFO order.
func (q *SendQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}

// Len returns the number of queued frames.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames have been evicted since creation.
func (q *SendQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
