package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get on empty store = %v, want ErrMiss", err)
	}
	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q, want %q", got, "v")
	}
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := m.Get(ctx, "k"); errors.Is(err, ErrMiss) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never expired")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMemoryDefaultTTL(t *testing.T) {
	t.Parallel()
	m := NewMemory(WithDefaultTTL(time.Millisecond))
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := m.Get(ctx, "k"); errors.Is(err, ErrMiss) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("default TTL was not applied")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMemoryDel(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "a", []byte("1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "b", []byte("2"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Del(ctx, "a", "missing"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get(a) after Del = %v, want ErrMiss", err)
	}
	if _, err := m.Get(ctx, "b"); err != nil {
		t.Errorf("Get(b) = %v, want nil", err)
	}
}

func TestMemoryStats(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	m.Get(ctx, "nope")
	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	m.Get(ctx, "k")
	m.Get(ctx, "nope")

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Backend != "memory" {
		t.Errorf("Backend = %q, want %q", st.Backend, "memory")
	}
	if st.Keys != 1 {
		t.Errorf("Keys = %d, want 1", st.Keys)
	}
	if st.Hits != 1 {
		t.Errorf("Hits = %d, want 1", st.Hits)
	}
	if st.Misses != 2 {
		t.Errorf("Misses = %d, want 2", st.Misses)
	}
}

func TestMemoryEviction(t *testing.T) {
	t.Parallel()
	m := NewMemory(WithMaxEntries(2))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := m.Set(ctx, k, []byte(k), time.Minute); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Keys != 2 {
		t.Errorf("Keys = %d, want 2 after eviction", st.Keys)
	}
	if _, err := m.Get(ctx, "c"); err != nil {
		t.Errorf("Get(c) = %v, want latest entry kept", err)
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	src := []byte("abc")
	if err := m.Set(ctx, "k", src, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	src[0] = 'X'

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got[1] = 'Y'

	again, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(again) != "abc" {
		t.Errorf("stored value = %q, want %q untouched by caller mutation", again, "abc")
	}
}
