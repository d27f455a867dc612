package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the fetch counters shared by every orchestrator of a
// process. Build them once per prometheus registry.
type Metrics struct {
	requests  *prometheus.CounterVec
	completed *prometheus.CounterVec
	failures  *prometheus.CounterVec
	inFlight  prometheus.Gauge
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the fetch metrics with r. A nil r builds
// unregistered collectors.
func NewMetrics(r prometheus.Registerer) *Metrics {
	kind := []string{"kind"}
	return &Metrics{
		requests: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tracelod_fetch_requests_total",
			Help: "number of block fetches dispatched",
		}, kind),
		completed: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tracelod_fetch_completed_total",
			Help: "number of block fetches merged into a registry",
		}, kind),
		failures: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tracelod_fetch_failures_total",
			Help: "number of block fetches that failed or returned malformed data",
		}, kind),
		inFlight: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "tracelod_fetch_in_flight",
			Help: "block fetches currently outstanding",
		}),
		duration: promauto.With(r).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracelod_fetch_duration_seconds",
			Help:    "time from dispatch to completion of a block fetch",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, kind),
	}
}
