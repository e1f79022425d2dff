package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is an in-process fixed-window counter store.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. It exists as the degraded
// fallback behind RedisStore, and as a fast, dependency-free backend for tests
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	blocks  map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore constructs a MemoryStore and starts its sweep loop, which
// deletes expired entries every sweepInterval to bound memory. A
// non-positive interval falls back to one minute.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		blocks:  make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go m.sweep(sweepInterval)
	return m
}

func (m *MemoryStore) sweep(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			now := time.Now()
			m.mu.Lock()
			for key, e := range m.entries {
				if now.After(e.resetAt) {
					delete(m.entries, key)
				}
			}
			for key, until := range m.blocks {
				if now.After(until) {
					delete(m.blocks, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Increment creates or bumps the window entry for key. The read-modify-write
// happens under one lock acquisition, so concurrent increments for the same
// key serialize with no lost updates.
func (m *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (IncrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[key]
	if !ok || now.After(e.resetAt) {
		e = &memoryEntry{count: 1, resetAt: now.Add(window)}
		m.entries[key] = e
	} else {
		e.count++
	}
	return IncrementResult{TotalHits: e.count, ResetTime: e.resetAt}, nil
}

// Decrement gives one slot back, flooring the count at zero. A missing or
// expired entry is left alone.
func (m *MemoryStore) Decrement(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.resetAt) {
		return nil
	}
	if e.count > 0 {
		e.count--
	}
	return nil
}

// ResetKey deletes the counter entry and any block for key.
func (m *MemoryStore) ResetKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	delete(m.blocks, key)
	return nil
}

// SetBlock opens a penalty window for key unless one is already live.
func (m *MemoryStore) SetBlock(ctx context.Context, key string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if until, ok := m.blocks[key]; ok && now.Before(until) {
		return nil
	}
	m.blocks[key] = now.Add(d)
	return nil
}

// GetBlock reports whether key sits inside a live penalty window. Expired
// blocks are dropped on read.
func (m *MemoryStore) GetBlock(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.blocks[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if time.Now().After(until) {
		delete(m.blocks, key)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Ping always succeeds; there is no network behind this store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// IsConnected always reports true for the in-process store.
func (m *MemoryStore) IsConnected() bool { return true }

// Close stops the sweep loop. Safe to call more than once.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}
