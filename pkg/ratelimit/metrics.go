package ratelimit

// Metric names emitted by the limiter.
const (
	MetricCheck        = "ratelimit.check"
	MetricDenied       = "ratelimit.denied"
	MetricFailover     = "ratelimit.failover"
	MetricFailback     = "ratelimit.failback"
	MetricFailOpen     = "ratelimit.fail_open"
	MetricStoreLatency = "ratelimit.store_latency"
)

// MetricsRecorder receives counters and latency observations from the
// limiter. Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpMetricsRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if r.recorder != nil' in our hot path.
type NoOpMetricsRecorder struct{}

func (n *NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (n *NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}
