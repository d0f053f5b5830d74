package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "quotesync"

// Metrics holds the Prometheus collectors for sync activity. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	pushes           *prometheus.CounterVec
	pulled           prometheus.Counter
	merged           *prometheus.CounterVec
	conflicts        prometheus.Counter
	pendingConflicts prometheus.Gauge
	resolutions      *prometheus.CounterVec
	skippedTriggers  prometheus.Counter
	lastSync         prometheus.Gauge
}

// NewMetrics registers the sync collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Completed sync cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Push attempts by result.",
		}, []string{"result"}),
		pulled: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "pulled_records_total",
			Help:      "Records received from the remote collection.",
		}),
		merged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "merged_records_total",
			Help:      "Pulled records merged by action.",
		}, []string{"action"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected during merge.",
		}),
		pendingConflicts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "pending_conflicts",
			Help:      "Conflicts awaiting manual resolution.",
		}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "conflict_resolutions_total",
			Help:      "Manual conflict resolutions by action.",
		}, []string{"action"}),
		skippedTriggers: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "skipped_triggers_total",
			Help:      "Cycle triggers dropped because a cycle was already running.",
		}),
		lastSync: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "last_completed_timestamp_seconds",
			Help:      "Unix time of the last completed sync cycle.",
		}),
	}
}

func (m *Metrics) cycleCompleted(res *CycleResult) {
	if m == nil || res == nil {
		return
	}

	outcome := "ok"
	if res.Degraded() {
		outcome = "degraded"
	}

	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(res.Duration().Seconds())
	m.pushes.WithLabelValues("ok").Add(float64(res.Pushed))
	m.pushes.WithLabelValues("failed").Add(float64(res.PushFailed))
	m.pushes.WithLabelValues("skipped").Add(float64(res.PushSkipped))
	m.pulled.Add(float64(res.Pulled))
	m.merged.WithLabelValues("inserted").Add(float64(res.Inserted))
	m.merged.WithLabelValues("adopted").Add(float64(res.Adopted))
	m.merged.WithLabelValues("conflict").Add(float64(len(res.Conflicts)))
	m.conflicts.Add(float64(len(res.Conflicts)))
	m.lastSync.Set(float64(res.CompletedAt.Unix()))
}

func (m *Metrics) setPendingConflicts(n int) {
	if m == nil {
		return
	}

	m.pendingConflicts.Set(float64(n))
}

func (m *Metrics) conflictResolved(action string) {
	if m == nil {
		return
	}

	m.resolutions.WithLabelValues(action).Inc()
}

func (m *Metrics) triggerSkipped() {
	if m == nil {
		return
	}

	m.skippedTriggers.Inc()
}
