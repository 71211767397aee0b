package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Entries expire lazily: an expired entry is
// dropped on read, and the store sweeps expired entries when it needs room.
type Memory struct {
	opts options

	mu      sync.Mutex
	entries map[string]memoryEntry
	hits    uint64
	misses  uint64
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-process store.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{opts: o, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	if !ok {
		m.misses++
		return nil, ErrMiss
	}
	m.hits++
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.opts.ttl
	}
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && m.opts.maxEntries > 0 && len(m.entries) >= m.opts.maxEntries {
		m.makeRoom()
	}
	m.entries[key] = memoryEntry{value: stored, expiresAt: expires}
	return nil
}

// makeRoom drops expired entries, then an arbitrary live one if still full.
// Callers must hold mu.
func (m *Memory) makeRoom() {
	now := time.Now()
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) < m.opts.maxEntries {
		return
	}
	for k := range m.entries {
		delete(m.entries, k)
		return
	}
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) HealthCheck(context.Context) error { return nil }

// Stats counts only entries that have not yet expired.
func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var live int64
	for _, e := range m.entries {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			live++
		}
	}
	return Stats{Backend: "memory", Keys: live, Hits: m.hits, Misses: m.misses}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}
