package voting

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the ballot box.
type Metrics struct {
	VotesCast        *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	Recounts         *prometheus.CounterVec
	Resets           prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics creates and registers the ballot-box metrics. Registration on
// the default registry happens once per process; later calls return the same
// instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			VotesCast: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ballotbox_votes_cast_total",
					Help: "Total number of votes recorded",
				},
				[]string{"platform", "upvote"},
			),

			StateTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ballotbox_state_transitions_total",
					Help: "Total number of blockable state transitions",
				},
				[]string{"state"},
			),

			Recounts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ballotbox_recounts_total",
					Help: "Total number of recounts performed",
				},
				[]string{"changed"}, // changed: true, false
			),

			Resets: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "ballotbox_resets_total",
					Help: "Total number of blockable resets",
				},
			),
		}
	})
	return metricsInst
}
