// Package metrics defines the Prometheus metrics exported by runs.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run Prometheus metrics.
var (
	PhotosProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facefindr",
			Name:      "photos_processed_total",
			Help:      "Total number of categorized photos",
		},
		[]string{"tier"},
	)

	PhotoErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facefindr",
			Name:      "photo_errors_total",
			Help:      "Total number of photos that could not be processed",
		},
		[]string{"error_type"}, // decode, timeout, io
	)

	EncodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "facefindr",
			Name:      "encode_duration_seconds",
			Help:      "Time spent detecting and embedding faces in one image",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ReferencesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "facefindr",
			Name:      "references_loaded",
			Help:      "Number of reference faces in the most recent run",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facefindr",
			Name:      "runs_total",
			Help:      "Total number of finished runs",
		},
		[]string{"state"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facefindr",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

var registerOnce sync.Once

// Register registers all metrics with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PhotosProcessedTotal,
			PhotoErrorsTotal,
			EncodeDuration,
			ReferencesLoaded,
			RunsTotal,
			EmbeddingCacheTotal,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
