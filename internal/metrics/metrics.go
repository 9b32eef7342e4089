// Package metrics provides Prometheus instrumentation for the archive
// pipeline, in the style of the teacher codebase's metrics package but
// scoped to push/get/eviction/race outcomes instead of an HTTP API
// surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deltavault"

// Metrics holds every counter/histogram/gauge the archive records,
// registered against its own private registry so that multiple
// Archive instances (or test fixtures) in the same process never
// collide on the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	PushTotal        *prometheus.CounterVec
	PushDuration     prometheus.Histogram
	PushDeltaSize    prometheus.Histogram
	GetTotal         *prometheus.CounterVec
	GetDuration      prometheus.Histogram
	TrialsTotal      *prometheus.CounterVec
	RootsTotal       prometheus.Gauge
	BlobsTotal       prometheus.Gauge
	EvictionsTotal   prometheus.Counter
	EvictionDuration prometheus.Histogram
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	ValidateFailures prometheus.Counter
}

// New creates and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		PushTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "total",
			Help: "Total number of push operations by outcome.",
		}, []string{"outcome"}),
		PushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "push", Name: "duration_seconds",
			Help:    "Push operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		PushDeltaSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "push", Name: "winning_delta_size_bytes",
			Help:    "Size of the winning delta (or full blob on fallback) in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		GetTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "get", Name: "total",
			Help: "Total number of get operations by outcome.",
		}, []string{"outcome"}),
		GetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "get", Name: "duration_seconds",
			Help:    "Get (reconstruction) operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		TrialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delta", Name: "trials_total",
			Help: "Total number of delta trials by outcome (won = completed within the budget, raced_out, failed).",
		}, []string{"outcome"}),
		RootsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "graph", Name: "roots_total",
			Help: "Current number of root blobs.",
		}),
		BlobsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "graph", Name: "blobs_total",
			Help: "Current number of blobs (roots and deltas).",
		}),
		EvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eviction", Name: "total",
			Help: "Total number of roots evicted.",
		}),
		EvictionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "eviction", Name: "duration_seconds",
			Help:    "Cleanup pass duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Total number of reconstruction cache hits.",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Total number of reconstruction cache misses.",
		}),
		ValidateFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validate", Name: "failures_total",
			Help: "Total number of integrity failures found by validate.",
		}),
	}
}

// Handler returns the Prometheus scrape handler for this instance's
// private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
