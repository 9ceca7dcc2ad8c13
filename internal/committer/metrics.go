package committer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the change-set committer.
type Metrics struct {
	CommitAttempts       *prometheus.CounterVec
	FileInstancesMissing prometheus.Counter
	LocalAllowLatency    prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics creates and registers the committer metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			CommitAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ballotbox_commit_attempts_total",
					Help: "Total number of change-set commit attempts",
				},
				[]string{"result"}, // result: success, transient, permanent, noop
			),

			FileInstancesMissing: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "ballotbox_file_instances_missing_total",
					Help: "Local state changes that found no fileInstance on the endpoint",
				},
			),

			LocalAllowLatency: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ballotbox_local_allow_latency_seconds",
					Help:    "Seconds between local ALLOW rule creation and fulfillment",
					Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
				},
			),
		}
	})
	return metricsInst
}
