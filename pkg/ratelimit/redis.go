package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowSrc string

var (
	fixedWindowScript = redis.NewScript(fixedWindowSrc)

	// Decrement only touches keys that still exist so a late give-back after
	// the window expired cannot resurrect the counter without a TTL.
	decrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  local v = redis.call("DECR", KEYS[1])
  if v < 0 then
    redis.call("SET", KEYS[1], "0", "KEEPTTL")
  end
end
return 0
`)
)

const blockSuffix = ":block"

// RedisStore is a fixed-window counter store shared by all service instances
// pointing at the same Redis. Atomicity of the create-or-bump cycle is
// delegated to an embedded Lua script, which makes concurrent increments from
// different instances linearize inside Redis.
//
// The store fails fast: any operation error marks it disconnected and is
// returned to the caller so the limiter can fall back to its local store.
// Bounded reconnect/backoff behavior is the go-redis client's (MaxRetries,
// MinRetryBackoff, MaxRetryBackoff, DialTimeout).
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration

	connected atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore wraps an existing go-redis client. The initial connection
// state is probed once with opTimeout; a Redis that is down at construction
// time does not fail the call, it just starts the store disconnected so the
// limiter boots on its local fallback.
func NewRedisStore(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	r := &RedisStore{client: client, opTimeout: opTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	r.connected.Store(client.Ping(ctx).Err() == nil)
	return r
}

func (r *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// fail records a failed operation and returns the wrapped error.
func (r *RedisStore) fail(op string, err error) error {
	r.connected.Store(false)
	return fmt.Errorf("redis %s: %w", op, err)
}

// Increment runs the fixed-window script for key and decodes {count, pttl}.
func (r *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (IncrementResult, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	res, err := fixedWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return IncrementResult{}, r.fail("increment", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return IncrementResult{}, r.fail("increment", fmt.Errorf("unexpected script reply %T", res))
	}
	count, _ := values[0].(int64)
	ttlMs, _ := values[1].(int64)

	r.connected.Store(true)
	return IncrementResult{
		TotalHits: int(count),
		ResetTime: time.Now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

// Decrement gives one slot back, flooring at zero.
func (r *RedisStore) Decrement(ctx context.Context, key string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := decrementScript.Run(ctx, r.client, []string{key}).Err(); err != nil {
		return r.fail("decrement", err)
	}
	r.connected.Store(true)
	return nil
}

// ResetKey deletes the counter and its block entry.
func (r *RedisStore) ResetKey(ctx context.Context, key string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key, key+blockSuffix).Err(); err != nil {
		return r.fail("del", err)
	}
	r.connected.Store(true)
	return nil
}

// SetBlock opens the penalty window with SET NX so an already blocked caller
// cannot push their own block forward.
func (r *RedisStore) SetBlock(ctx context.Context, key string, d time.Duration) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	until := time.Now().Add(d).UnixMilli()
	if err := r.client.SetNX(ctx, key+blockSuffix, until, d).Err(); err != nil {
		return r.fail("setnx", err)
	}
	r.connected.Store(true)
	return nil
}

// GetBlock reads the penalty entry; a missing key means not blocked.
func (r *RedisStore) GetBlock(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key+blockSuffix).Result()
	if err == redis.Nil {
		r.connected.Store(true)
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, r.fail("get", err)
	}
	r.connected.Store(true)

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis block entry %q: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Ping probes the connection and refreshes the connected flag.
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.fail("ping", err)
	}
	r.connected.Store(true)
	return nil
}

// IsConnected reflects the last known connection state.
func (r *RedisStore) IsConnected() bool { return r.connected.Load() }

// Close closes the underlying client once; repeated calls return the first
// result.
func (r *RedisStore) Close() error {
	r.closeOnce.Do(func() {
		r.connected.Store(false)
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}
