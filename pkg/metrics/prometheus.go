package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus metrics for the watch core.
type Metrics struct {
	WatchesChecked       prometheus.Counter
	TriggersFired        prometheus.Counter
	AutoBuyAttempts      prometheus.Counter
	ObservationsIngested prometheus.Counter
	SweepDuration        *prometheus.HistogramVec
	DispatchErrors       *prometheus.CounterVec
}

// NewMetrics creates and registers prometheus metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WatchesChecked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watches_checked_total",
			Help:      "The total number of watch evaluations",
		}),
		TriggersFired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "The total number of price-drop triggers",
		}),
		AutoBuyAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autobuy_attempts_total",
			Help:      "The total number of auto-buy attempts dispatched",
		}),
		ObservationsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_ingested_total",
			Help:      "The total number of provider records ingested",
		}),
		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time taken by scheduler sweeps",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		DispatchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "The total number of dispatch failures",
		}, []string{"operation"}),
	}
}
