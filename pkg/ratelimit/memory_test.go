package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_Increment_Basics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	res, err := store.Increment(ctx, "svc:general:1.2.3.4", time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if res.TotalHits != 1 {
		t.Errorf("Expected 1 hit on a fresh window, got %d", res.TotalHits)
	}
	if !res.ResetTime.After(time.Now()) {
		t.Error("Expected reset time in the future")
	}

	res, _ = store.Increment(ctx, "svc:general:1.2.3.4", time.Minute)
	if res.TotalHits != 2 {
		t.Errorf("Expected 2 hits, got %d", res.TotalHits)
	}
}

func TestMemoryStore_WindowReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	first, _ := store.Increment(ctx, "k", 50*time.Millisecond)
	store.Increment(ctx, "k", 50*time.Millisecond)

	time.Sleep(80 * time.Millisecond)

	res, _ := store.Increment(ctx, "k", 50*time.Millisecond)
	if res.TotalHits != 1 {
		t.Errorf("Expected window to reset to 1 hit, got %d", res.TotalHits)
	}
	if !res.ResetTime.After(first.ResetTime) {
		t.Error("Expected a later reset time for the new window")
	}
}

// 50 concurrent increments on one key must produce a final count of exactly
// 50: no lost updates.
func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	var wg sync.WaitGroup
	wg.Add(50)
	for range 50 {
		go func() {
			defer wg.Done()
			if _, err := store.Increment(ctx, "hot", time.Minute); err != nil {
				t.Errorf("Increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	res, _ := store.Increment(ctx, "hot", time.Minute)
	if res.TotalHits != 51 {
		t.Errorf("Expected 51 after 50 concurrent increments plus one, got %d", res.TotalHits)
	}
}

func TestMemoryStore_Decrement_FloorsAtZero(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	store.Increment(ctx, "k", time.Minute)
	for range 5 {
		if err := store.Decrement(ctx, "k"); err != nil {
			t.Fatalf("Decrement failed: %v", err)
		}
	}

	res, _ := store.Increment(ctx, "k", time.Minute)
	if res.TotalHits != 1 {
		t.Errorf("Expected count to floor at 0 (so next hit is 1), got %d", res.TotalHits)
	}

	// Decrement on a key that never existed must not create one.
	if err := store.Decrement(ctx, "missing"); err != nil {
		t.Errorf("Decrement on missing key failed: %v", err)
	}
}

func TestMemoryStore_ResetKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	store.Increment(ctx, "k", time.Minute)
	store.Increment(ctx, "k", time.Minute)
	store.SetBlock(ctx, "k", time.Minute)

	if err := store.ResetKey(ctx, "k"); err != nil {
		t.Fatalf("ResetKey failed: %v", err)
	}

	res, _ := store.Increment(ctx, "k", time.Minute)
	if res.TotalHits != 1 {
		t.Errorf("Expected fresh window after reset, got %d hits", res.TotalHits)
	}
	if _, blocked, _ := store.GetBlock(ctx, "k"); blocked {
		t.Error("Expected block to be cleared by reset")
	}
}

func TestMemoryStore_Block(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	if _, blocked, _ := store.GetBlock(ctx, "k"); blocked {
		t.Fatal("Fresh key should not be blocked")
	}

	store.SetBlock(ctx, "k", time.Minute)
	until, blocked, _ := store.GetBlock(ctx, "k")
	if !blocked {
		t.Fatal("Expected key to be blocked")
	}

	// A second SetBlock must not extend the live block.
	store.SetBlock(ctx, "k", time.Hour)
	until2, _, _ := store.GetBlock(ctx, "k")
	if !until2.Equal(until) {
		t.Errorf("Expected block expiry to stay %v, got %v", until, until2)
	}
}

func TestMemoryStore_BlockExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	store.SetBlock(ctx, "k", 30*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if _, blocked, _ := store.GetBlock(ctx, "k"); blocked {
		t.Error("Expected block to expire")
	}
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(20 * time.Millisecond)
	defer store.Close()

	store.Increment(ctx, "old", 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	store.mu.Lock()
	_, exists := store.entries["old"]
	store.mu.Unlock()
	if exists {
		t.Error("Expected sweep to delete the expired entry")
	}
}

func TestMemoryStore_CloseTwice(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	if err := store.Close(); err != nil {
		t.Fatalf("First Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}

func BenchmarkMemoryStore_Increment(b *testing.B) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	for b.Loop() {
		store.Increment(ctx, "bench", time.Minute)
	}
}
