package ratelimit

import (
	"context"
	"time"
)

// StoreType identifies which counter backend is currently active.
type StoreType string

const (
	// StoreRedis is the shared, cross-instance backend.
	StoreRedis StoreType = "redis"
	// StoreMemory is the process-local fallback backend.
	StoreMemory StoreType = "memory"
)

// Policy defines the fixed-window budget for one endpoint class.
type Policy struct {
	// Window is the length of the counting window.
	Window time.Duration
	// Max is the number of requests allowed per window. Must be > 0.
	Max int
	// Message is returned in the 429 response body when the limit is hit.
	Message string
	// SkipSuccessful gives the slot back when the wrapped handler responds
	// with a status below 400.
	SkipSuccessful bool
	// SkipFailed gives the slot back when the wrapped handler responds with
	// a status of 400 or above.
	SkipFailed bool
	// BlockDuration, when non-zero, keeps the caller blocked for this long
	// after the first denial in a window, beyond the window's natural reset.
	BlockDuration time.Duration
}

// Decision is the outcome of a single rate limit check. It is computed fresh
// per request and never cached.
type Decision struct {
	Allowed   bool
	Limit     int
	Current   int
	Remaining int
	ResetTime time.Time
}

// IncrementResult is returned by CounterStore.Increment.
type IncrementResult struct {
	// TotalHits is the counter value after the increment, including this hit.
	TotalHits int
	// ResetTime is when the current window expires.
	ResetTime time.Time
}

// Status is a point-in-time snapshot of the limiter's store health, suitable
// for health endpoints.
type Status struct {
	RedisConnected bool      `json:"redisConnected"`
	StoreType      StoreType `json:"storeType"`
	ServiceName    string    `json:"serviceName"`
	LastError      string    `json:"lastError,omitempty"`
}

// CounterStore is the uniform contract implemented by both the shared
// (Redis) and local (memory) backends.
//
// Increment must be atomic per key: two concurrent increments never both
// observe an empty window, and no updates are lost.
type CounterStore interface {
	// Increment creates or bumps the entry for key. A fresh window starts at
	// count=1 with the given length; within a live window the count grows and
	// the original reset time is returned.
	Increment(ctx context.Context, key string, window time.Duration) (IncrementResult, error)

	// Decrement gives back one slot, flooring the count at zero. Best effort.
	Decrement(ctx context.Context, key string) error

	// ResetKey unconditionally deletes the entry and any block for key.
	ResetKey(ctx context.Context, key string) error

	// SetBlock opens a penalty window for key. An existing unexpired block is
	// left untouched so a caller cannot refresh their own block by retrying.
	SetBlock(ctx context.Context, key string, d time.Duration) error

	// GetBlock reports whether key is inside a penalty window and until when.
	GetBlock(ctx context.Context, key string) (time.Time, bool, error)

	// Ping performs a lightweight liveness operation against the backend.
	Ping(ctx context.Context) error

	// IsConnected is a cheap snapshot of the last known connection state.
	IsConnected() bool

	// Close releases timers and connections. No callbacks fire after return.
	Close() error
}
