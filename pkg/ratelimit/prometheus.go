package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports the limiter's metrics through a prometheus
// registry. Register one per process; promauto panics on duplicate
// registration, like any other prometheus collector.
type PrometheusRecorder struct {
	checks       *prometheus.CounterVec
	denials      *prometheus.CounterVec
	failovers    prometheus.Counter
	failbacks    prometheus.Counter
	failOpens    *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the limiter metrics with reg (pass nil for
// the default registerer).
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "checks_total",
			Help:      "Rate limit decisions by endpoint class and outcome.",
		}, []string{"class", "allowed"}),
		denials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "denials_total",
			Help:      "Requests denied with 429 by endpoint class.",
		}, []string{"class"}),
		failovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "failovers_total",
			Help:      "Transitions from the shared store to the local fallback.",
		}),
		failbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "failbacks_total",
			Help:      "Transitions back to the shared store after recovery.",
		}),
		failOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Requests allowed because no counter store was usable.",
		}, []string{"class"}),
		storeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratelimit",
			Name:      "store_latency_seconds",
			Help:      "Counter store increment latency by backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"store"}),
	}
}

func (p *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	switch name {
	case MetricCheck:
		p.checks.WithLabelValues(tags["class"], tags["allowed"]).Add(value)
	case MetricDenied:
		p.denials.WithLabelValues(tags["class"]).Add(value)
	case MetricFailover:
		p.failovers.Add(value)
	case MetricFailback:
		p.failbacks.Add(value)
	case MetricFailOpen:
		p.failOpens.WithLabelValues(tags["class"]).Add(value)
	}
}

func (p *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	if name == MetricStoreLatency {
		p.storeLatency.WithLabelValues(tags["store"]).Observe(value)
	}
}
