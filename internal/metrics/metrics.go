// Package metrics provides prometheus collectors for the NightPress engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nightpress"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_size",
			Help:      "Number of mutations in the sync queue by status",
		},
		[]string{"status"},
	)

	itemsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replayed_total",
			Help:      "Total mutation replay attempts by outcome",
		},
		[]string{"action", "outcome"},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Time to drain one queue cycle",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	conflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Total version conflicts detected before replay",
		},
	)

	activeTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "active",
			Help:      "Number of active countdown timers",
		},
	)

	timersCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "completed_total",
			Help:      "Total countdowns that reached their publish time",
		},
	)

	timersEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "evicted_total",
			Help:      "Total timers torn down under memory pressure by reason",
		},
		[]string{"reason"},
	)

	isLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "is_leader",
			Help:      "1 when this instance holds leadership, 0 otherwise",
		},
	)
)

// RecordQueueSize records the sync queue depth for one status.
func RecordQueueSize(status string, n int) {
	queueSize.WithLabelValues(status).Set(float64(n))
}

// RecordReplay records one replay attempt outcome.
func RecordReplay(action, outcome string) {
	itemsReplayed.WithLabelValues(action, outcome).Inc()
}

// RecordDrainDuration records the duration of one drain cycle.
func RecordDrainDuration(d time.Duration) {
	drainDuration.Observe(d.Seconds())
}

// RecordConflict records a detected conflict.
func RecordConflict() {
	conflictsDetected.Inc()
}

// SetActiveTimers records the current countdown count.
func SetActiveTimers(n int) {
	activeTimers.Set(float64(n))
}

// RecordTimerCompleted records a countdown completion.
func RecordTimerCompleted() {
	timersCompleted.Inc()
}

// RecordTimerEvicted records a memory-pressure eviction.
func RecordTimerEvicted(reason string) {
	timersEvicted.WithLabelValues(reason).Inc()
}

// SetLeader records whether this instance is leader.
func SetLeader(leader bool) {
	if leader {
		isLeader.Set(1)
	} else {
		isLeader.Set(0)
	}
}
