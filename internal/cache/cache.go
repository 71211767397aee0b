// Package cache provides a small byte-value cache with pluggable backends.
//
// Two backends are included: an in-process [Memory] store for single-node
// deployments and a [Redis] store that shares entries across gateway
// replicas. Both are best-effort: callers must treat every lookup as
// fallible and recompute on [ErrMiss].
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the backend contract. Values are opaque bytes; serialization is
// the caller's concern.
type Store interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A non-positive ttl applies the backend's
	// default TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Stats reports the backend identity, key count and hit/miss counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Stats is a point-in-time snapshot of a backend.
type Stats struct {
	Backend string `json:"backend"`
	Keys    int64  `json:"keys"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// Option configures a backend constructor. An option that does not apply to
// the backend being built is ignored.
type Option func(*options)

type options struct {
	ttl        time.Duration
	prefix     string
	maxEntries int
}

func defaultOptions() options {
	return options{
		ttl:        5 * time.Minute,
		prefix:     "modelgate",
		maxEntries: 4096,
	}
}

// WithDefaultTTL sets the expiry applied when Set is called with a
// non-positive ttl. Zero disables default expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithPrefix sets the key namespace used by the Redis backend.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithMaxEntries caps the Memory backend size. At capacity an arbitrary
// entry is evicted to make room.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}
