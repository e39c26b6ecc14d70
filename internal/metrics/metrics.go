// Package metrics exposes Prometheus collectors for the harvester service.
// Session and item outcome metrics are driven by the progress Prometheus
// sink; what lives here are the low-level operation metrics recorded inline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pacingDelaySeconds   prometheus.Histogram
	fetchDurationSeconds prometheus.Histogram
	retryAttemptsTotal   *prometheus.CounterVec

	once sync.Once
)

// Init initializes the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		pacingDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_pacing_delay_seconds",
			Help:    "Deliberate delay inserted before each remote operation.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		})
		fetchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Wall time of item source batch fetches.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		})
		retryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_retry_attempts_total",
			Help: "Operations that needed at least one retry, by operation.",
		}, []string{"operation"})
	})
}

// ObservePacingDelay records one pacing delay.
func ObservePacingDelay(d time.Duration) {
	if pacingDelaySeconds != nil {
		pacingDelaySeconds.Observe(d.Seconds())
	}
}

// ObserveFetchDuration records the wall time of one batch fetch.
func ObserveFetchDuration(d time.Duration) {
	if fetchDurationSeconds != nil {
		fetchDurationSeconds.Observe(d.Seconds())
	}
}

// IncRetry counts a retried operation.
func IncRetry(operation string) {
	if retryAttemptsTotal != nil {
		retryAttemptsTotal.WithLabelValues(operation).Inc()
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
