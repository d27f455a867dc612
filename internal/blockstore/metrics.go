package blockstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the ingest and cache counters of a Store.
type Metrics struct {
	spansIngested  prometheus.Counter
	pointsIngested prometheus.Counter
	logsIngested   prometheus.Counter
	blocksSealed   *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
}

// NewMetrics registers the store metrics with r. A nil r builds
// unregistered collectors.
func NewMetrics(r prometheus.Registerer) *Metrics {
	return &Metrics{
		spansIngested: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "tracelod_ingested_spans_total",
			Help: "number of OTLP spans accepted by the block store",
		}),
		pointsIngested: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "tracelod_ingested_points_total",
			Help: "number of OTLP metric data points accepted by the block store",
		}),
		logsIngested: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "tracelod_ingested_log_records_total",
			Help: "number of OTLP log records accepted by the block store",
		}),
		blocksSealed: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tracelod_blocks_sealed_total",
			Help: "number of blocks sealed and made visible to readers",
		}, []string{"kind"}),
		cacheHits: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tracelod_lod_cache_hits_total",
			Help: "reduced LOD payloads served from cache",
		}, []string{"kind"}),
		cacheMisses: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "tracelod_lod_cache_misses_total",
			Help: "reduced LOD payloads computed on demand",
		}, []string{"kind"}),
	}
}
