// Package ratelimit provides distributed, policy-driven rate limiting for
// HTTP services, with automatic degradation to a process-local store when the
// shared Redis backend is unavailable.
//
// The primary entry point is the Limiter:
//
//	lim, err := ratelimit.New("billing-service",
//		ratelimit.WithRedisOptions(&redis.Options{Addr: "localhost:6379"}),
//	)
//	...
//	router.Use(lim.Middleware(ratelimit.ClassGeneral))
//
// # Overview
//
// This package implements fixed-window counting: each (service, class, key)
// triple owns a counter that accumulates for one window length and then
// resets. A request is allowed while the counter is at or below the class
// policy's Max; the request that pushes it past Max, and every one after it
// in the same window, is denied.
//
// # Endpoint Classes and Policies
//
// A Policy bundles a window length, a maximum, the denial message, optional
// outcome-based counting (SkipSuccessful / SkipFailed), and an optional
// BlockDuration penalty. Policies are keyed by endpoint class — a named
// group of routes sharing one budget. Four classes ship as defaults:
//
//   - general: 100 requests / minute
//   - auth:    10 requests / minute, plus a 15 minute block after the limit
//     is hit; every attempt counts, successful or not
//   - upload:  20 requests / minute
//   - search:  60 requests / minute
//
// The table is open: WithPolicy registers any custom class, and checks for a
// class that was never registered fall back to the general policy rather
// than failing. Environment variables (see FromEnv) override individual
// fields of the well-known classes without disturbing the rest.
//
// # Backends
//
// Two CounterStore implementations share one contract:
//
//   - MemoryStore: an in-process store backed by a Go map with a periodic
//     sweep of expired windows. Always available, but local to one process,
//     so it cannot enforce a global budget across replicas.
//
//   - RedisStore: a distributed store. Create-or-bump runs inside an
//     embedded Lua script, so concurrent increments from many instances
//     linearize in Redis and no updates are lost.
//
// # Failover and Failback
//
// The Limiter holds both stores and a two-state machine: SHARED_ACTIVE and
// LOCAL_FALLBACK. Any shared-store operation failure flips it to
// LOCAL_FALLBACK with a single compare-and-swap and retries the operation
// against the MemoryStore. A background probe pings Redis (every 30s by
// default) and flips back on the first success.
//
// Counters are not migrated across these transitions. A failover simply
// starts a fresh window in the local store, which can grant a caller one
// extra window's worth of requests. That approximation is deliberate.
//
// If even the local retry fails, the request is allowed. The limiter fails
// open: its own malfunction must never turn into an outage of the service
// it protects. Store errors are logged and surfaced via Status, never
// returned to the request path.
//
// # Penalty Windows
//
// When a policy sets BlockDuration, the first denial in a window arms a
// separate block entry with its own TTL. While the block is live every
// request is denied up front, without touching the counter, and Retry-After
// points at the block's expiry. The block is armed once — continuing to
// hammer the endpoint does not reset it.
//
// # Middleware
//
// Limiter.Middleware(class) returns a func(http.Handler) http.Handler that
// derives the caller's key (client IP by default, see WithKeyGenerator),
// checks the limit, and sets the standard headers:
//
//   - X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset on every
//     response
//   - Retry-After, HTTP 429 and a JSON {"message": ...} body on denial
//
// Paths listed in WithSkipPaths (health checks, metrics) bypass limiting
// entirely. For policies with SkipSuccessful or SkipFailed, the middleware
// watches the wrapped handler's status and gives the slot back when the
// outcome should not have counted.
//
// # Status and Shutdown
//
// Limiter.Status returns a snapshot of the active store type, Redis
// connectivity and the last store error, for health endpoints. Limiter.Close
// stops the probe, closes the Redis connection and stops the local sweep, in
// that order; it is idempotent and after it returns no background work runs.
//
// # Configuration
//
// The Limiter uses the Functional Options pattern; FromEnv reads the
// RATE_LIMIT_* and REDIS_* environment variables into a Config whose
// Options() feed straight into New:
//
//	cfg, _ := ratelimit.FromEnv()
//	lim, err := ratelimit.New("billing-service",
//		ratelimit.WithConfig(cfg),
//		ratelimit.WithLogger(logger),
//		ratelimit.WithRecorder(ratelimit.NewPrometheusRecorder(nil)),
//	)
//
// # Concurrency
//
// MemoryStore serializes increments under a mutex; RedisStore delegates to
// Redis's single-threaded script execution. The failover state is a single
// atomic value mutated only by compare-and-swap, so request flows and the
// probe cannot observe a half-applied transition.
package ratelimit
