package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Failover states. Transitions are single compare-and-swaps so concurrent
// failure detections cannot double-swap, and a failback never races a fresh
// failover into an inconsistent state.
const (
	stateSharedActive int32 = iota
	stateLocalFallback
)

// Limiter decides allow/deny per endpoint class and key, counting against a
// shared Redis store when one is configured and healthy, and against a
// process-local store otherwise.
//
// Counters are not migrated between stores on failover or failback; a fresh
// window starts accruing in whichever store is active. A brief failover may
// therefore grant a caller one extra window's worth of requests. That is an
// accepted trade-off: a rate limiter outage must never become an outage of
// the service it protects.
type Limiter struct {
	serviceName string
	policies    map[string]Policy
	skipPaths   map[string]struct{}

	redisOptions *redis.Options
	redisClient  *redis.Client

	shared CounterStore
	local  CounterStore

	state   atomic.Int32
	errMu   sync.Mutex
	lastErr string

	logger         *zap.Logger
	recorder       MetricsRecorder
	keyFn          KeyGenerator
	onLimitReached LimitReachedFunc

	probeInterval time.Duration
	sweepInterval time.Duration
	opTimeout     time.Duration

	probeDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New constructs a Limiter for the given service. The service name prefixes
// every counter key so several services can share one Redis. Configuration
// problems (empty name, non-positive max or window) are reported here, before
// any traffic flows.
func New(serviceName string, opts ...Option) (*Limiter, error) {
	if strings.TrimSpace(serviceName) == "" {
		return nil, ErrMissingServiceName
	}

	l := &Limiter{
		serviceName:   serviceName,
		policies:      DefaultPolicies(),
		skipPaths:     make(map[string]struct{}),
		logger:        zap.NewNop(),
		recorder:      &NoOpMetricsRecorder{},
		keyFn:         ClientIP,
		probeInterval: 30 * time.Second,
		sweepInterval: time.Minute,
		opTimeout:     5 * time.Second,
		probeDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	for class, p := range l.policies {
		if err := validatePolicy(class, p); err != nil {
			return nil, err
		}
	}

	l.local = NewMemoryStore(l.sweepInterval)

	if l.redisClient == nil && l.redisOptions != nil {
		l.redisClient = redis.NewClient(l.redisOptions)
	}
	if l.redisClient != nil {
		l.shared = NewRedisStore(l.redisClient, l.opTimeout)
	}

	if l.shared != nil && l.shared.IsConnected() {
		l.state.Store(stateSharedActive)
	} else {
		l.state.Store(stateLocalFallback)
		if l.shared != nil {
			l.logger.Warn("shared store unreachable at startup, beginning on local store",
				zap.String("service", l.serviceName))
		}
	}
	if l.shared != nil {
		go l.probeLoop()
	}
	return l, nil
}

// Policy returns the effective policy for class, falling back to the general
// policy for unregistered classes.
func (l *Limiter) Policy(class string) Policy {
	if p, ok := l.policies[class]; ok {
		return p
	}
	return l.policies[ClassGeneral]
}

func (l *Limiter) compositeKey(class, key string) string {
	return l.serviceName + ":" + class + ":" + key
}

// activeStore returns the store to count against and whether it is the
// shared one.
func (l *Limiter) activeStore() (CounterStore, bool) {
	if l.shared != nil && l.state.Load() == stateSharedActive {
		return l.shared, true
	}
	return l.local, false
}

// Check counts one request for (class, key) and returns the decision. It
// never returns an error: shared-store failures fail over to the local store,
// and if that also fails the request is allowed (fail open).
func (l *Limiter) Check(ctx context.Context, class, key string) Decision {
	policy := l.Policy(class)
	composite := l.compositeKey(class, key)
	store, shared := l.activeStore()

	if shared && !store.IsConnected() {
		l.failover(errors.New("shared store reports disconnected"))
		store, shared = l.local, false
	}

	// Penalty box first: a blocked caller is denied without touching the
	// counter, so hammering cannot extend the window either.
	until, blocked, err := store.GetBlock(ctx, composite)
	if err != nil && shared {
		l.failover(err)
		store, shared = l.local, false
		until, blocked, _ = store.GetBlock(ctx, composite)
	}
	if blocked {
		dec := Decision{
			Allowed:   false,
			Limit:     policy.Max,
			Current:   policy.Max,
			Remaining: 0,
			ResetTime: until,
		}
		l.recordCheck(class, dec)
		return dec
	}

	start := time.Now()
	res, err := store.Increment(ctx, composite, policy.Window)
	if err != nil {
		if shared {
			l.failover(err)
			store, shared = l.local, false
			res, err = store.Increment(ctx, composite, policy.Window)
		}
		if err != nil {
			l.setLastError(err)
			l.logger.Error("rate limit store unavailable, failing open",
				zap.String("class", class), zap.Error(err))
			l.recorder.Add(MetricFailOpen, 1, map[string]string{"class": class})
			return Decision{
				Allowed:   true,
				Limit:     policy.Max,
				Remaining: policy.Max,
				ResetTime: time.Now().Add(policy.Window),
			}
		}
	}
	l.recorder.Observe(MetricStoreLatency, time.Since(start).Seconds(),
		map[string]string{"store": storeLabel(shared)})

	remaining := policy.Max - res.TotalHits
	if remaining < 0 {
		remaining = 0
	}
	dec := Decision{
		Allowed:   res.TotalHits <= policy.Max,
		Limit:     policy.Max,
		Current:   res.TotalHits,
		Remaining: remaining,
		ResetTime: res.ResetTime,
	}

	// Arm the penalty box on the first denial only. SetBlock is NX-style in
	// both stores, so even a racing duplicate cannot push the block forward.
	if !dec.Allowed && policy.BlockDuration > 0 && res.TotalHits == policy.Max+1 {
		if err := store.SetBlock(ctx, composite, policy.BlockDuration); err != nil {
			l.logger.Warn("failed to arm block entry",
				zap.String("class", class), zap.Error(err))
		} else {
			dec.ResetTime = time.Now().Add(policy.BlockDuration)
		}
	}

	l.recordCheck(class, dec)
	return dec
}

// GiveBack returns one slot for (class, key), used when the response outcome
// should not count against the caller. Best effort.
func (l *Limiter) GiveBack(ctx context.Context, class, key string) {
	store, _ := l.activeStore()
	if err := store.Decrement(ctx, l.compositeKey(class, key)); err != nil {
		l.logger.Warn("failed to give back rate limit slot",
			zap.String("class", class), zap.Error(err))
	}
}

// Reset deletes the counter and block for (class, key). Intended for
// administrative resets and tests.
func (l *Limiter) Reset(ctx context.Context, class, key string) error {
	composite := l.compositeKey(class, key)
	store, shared := l.activeStore()
	err := store.ResetKey(ctx, composite)
	if err != nil && shared {
		l.failover(err)
		err = l.local.ResetKey(ctx, composite)
	}
	return err
}

// Status reports the current store health for health endpoints.
func (l *Limiter) Status() Status {
	s := Status{ServiceName: l.serviceName, StoreType: StoreMemory}
	if l.shared != nil {
		s.RedisConnected = l.shared.IsConnected()
		if l.state.Load() == stateSharedActive {
			s.StoreType = StoreRedis
		}
	}
	s.LastError = l.lastError()
	return s
}

// Close stops the failback probe, closes the shared store, then the local
// store, in that order. Safe to call more than once; later calls return the
// first result.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.probeDone)
		if l.shared != nil {
			l.closeErr = l.shared.Close()
		}
		if err := l.local.Close(); err != nil && l.closeErr == nil {
			l.closeErr = err
		}
	})
	return l.closeErr
}

func (l *Limiter) failover(err error) {
	l.setLastError(err)
	if l.state.CompareAndSwap(stateSharedActive, stateLocalFallback) {
		l.logger.Warn("shared store failed, falling back to local store",
			zap.String("service", l.serviceName), zap.Error(err))
		l.recorder.Add(MetricFailover, 1, nil)
	}
}

// probeLoop periodically pings the shared store while the limiter runs on its
// local fallback, and swaps back on the first success.
func (l *Limiter) probeLoop() {
	t := time.NewTicker(l.probeInterval)
	defer t.Stop()
	for {
		select {
		case <-l.probeDone:
			return
		case <-t.C:
			if l.state.Load() != stateLocalFallback {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), l.opTimeout)
			err := l.shared.Ping(ctx)
			cancel()
			if err != nil {
				l.setLastError(err)
				continue
			}
			if l.state.CompareAndSwap(stateLocalFallback, stateSharedActive) {
				l.clearLastError()
				l.logger.Info("shared store recovered, resuming distributed limiting",
					zap.String("service", l.serviceName))
				l.recorder.Add(MetricFailback, 1, nil)
			}
		}
	}
}

func (l *Limiter) recordCheck(class string, dec Decision) {
	l.recorder.Add(MetricCheck, 1, map[string]string{
		"class":   class,
		"allowed": strconv.FormatBool(dec.Allowed),
	})
	if !dec.Allowed {
		l.recorder.Add(MetricDenied, 1, map[string]string{"class": class})
	}
}

func (l *Limiter) setLastError(err error) {
	l.errMu.Lock()
	l.lastErr = err.Error()
	l.errMu.Unlock()
}

func (l *Limiter) clearLastError() {
	l.errMu.Lock()
	l.lastErr = ""
	l.errMu.Unlock()
}

func (l *Limiter) lastError() string {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.lastErr
}

func storeLabel(shared bool) string {
	if shared {
		return string(StoreRedis)
	}
	return string(StoreMemory)
}
