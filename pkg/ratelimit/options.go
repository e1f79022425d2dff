package ratelimit

import (
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrMissingServiceName is returned by New when no service name is given.
	ErrMissingServiceName = errors.New("ratelimit: service name is required")
	// ErrInvalidPolicy is returned by New when a policy has a non-positive
	// max or window.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
)

// KeyGenerator derives the rate limit key for a request, typically the client
// IP or an authenticated user ID.
type KeyGenerator func(r *http.Request) string

// LimitReachedFunc is invoked just before a 429 is written, e.g. for audit
// logging.
type LimitReachedFunc func(r *http.Request, class string, d Decision)

// Option configures a Limiter.
type Option func(*Limiter)

// WithRedisOptions enables the shared store using a client built from opts.
func WithRedisOptions(opts *redis.Options) Option {
	return func(l *Limiter) { l.redisOptions = opts }
}

// WithRedisClient enables the shared store on an existing client. The limiter
// takes ownership and closes it on Close.
func WithRedisClient(client *redis.Client) Option {
	return func(l *Limiter) { l.redisClient = client }
}

// WithConfig applies environment-derived configuration, see FromEnv.
func WithConfig(cfg Config) Option {
	return func(l *Limiter) {
		for _, opt := range cfg.Options() {
			opt(l)
		}
	}
}

// WithPolicy registers or replaces the whole policy for a class. Custom
// classes may be added this way; requests for classes that were never
// registered fall back to the general policy.
func WithPolicy(class string, p Policy) Option {
	return func(l *Limiter) { l.policies[class] = p }
}

// WithOverrides applies field-level adjustments on top of the current table.
// Overriding an unknown class starts from the general policy.
func WithOverrides(overrides map[string]PolicyOverride) Option {
	return func(l *Limiter) {
		for class, o := range overrides {
			base, ok := l.policies[class]
			if !ok {
				base = l.policies[ClassGeneral]
			}
			l.policies[class] = o.apply(base)
		}
	}
}

// WithSkipPaths exempts exact request paths (health checks and the like) from
// rate limiting.
func WithSkipPaths(paths []string) Option {
	return func(l *Limiter) {
		for _, p := range paths {
			l.skipPaths[p] = struct{}{}
		}
	}
}

// WithKeyGenerator replaces the default client-IP key derivation.
func WithKeyGenerator(fn KeyGenerator) Option {
	return func(l *Limiter) { l.keyFn = fn }
}

// WithLogger sets the logger for failover and fail-open events. Defaults to
// a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithRecorder injects a metrics backend, see MetricsRecorder.
func WithRecorder(r MetricsRecorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithOnLimitReached registers a hook invoked before every 429 response.
func WithOnLimitReached(fn LimitReachedFunc) Option {
	return func(l *Limiter) { l.onLimitReached = fn }
}

// WithProbeInterval sets how often the failback probe pings the shared store
// while the limiter runs on its local fallback. Default 30s.
func WithProbeInterval(d time.Duration) Option {
	return func(l *Limiter) { l.probeInterval = d }
}

// WithSweepInterval sets the local store's expired-entry sweep interval.
// Default 60s.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// WithTimeout bounds individual shared-store operations. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.opTimeout = d }
}
