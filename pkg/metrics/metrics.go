// Package metrics defines the Prometheus instruments the lock manager and
// recovery manager report into. Both bundles are optional: a nil bundle
// disables collection, so tests and embedded uses pay nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LockMetrics instruments the lock table.
type LockMetrics struct {
	WaitDuration *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec
	Grants       *prometheus.CounterVec
}

// NewLockMetrics builds and registers the lock instruments with reg.
func NewLockMetrics(reg prometheus.Registerer) *LockMetrics {
	m := &LockMetrics{
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "txnkernel",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time from enqueue to grant for blocked lock requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"depth"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "txnkernel",
			Subsystem: "lock",
			Name:      "queue_depth",
			Help:      "Current number of waiters per resource depth.",
		}, []string{"depth"}),
		Grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txnkernel",
			Subsystem: "lock",
			Name:      "grants_total",
			Help:      "Lock grants by mode.",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.WaitDuration, m.QueueDepth, m.Grants)
	return m
}

// ObserveWait records a blocked request's wait time at the given hierarchy
// depth. Nil-safe.
func (m *LockMetrics) ObserveWait(depth string, d time.Duration) {
	if m == nil {
		return
	}
	m.WaitDuration.WithLabelValues(depth).Observe(d.Seconds())
}

// AddWaiter adjusts the queue-depth gauge. Nil-safe.
func (m *LockMetrics) AddWaiter(depth string, delta float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(depth).Add(delta)
}

// IncGrant counts a grant of mode. Nil-safe.
func (m *LockMetrics) IncGrant(mode string) {
	if m == nil {
		return
	}
	m.Grants.WithLabelValues(mode).Inc()
}

// RecoveryMetrics instruments the recovery manager.
type RecoveryMetrics struct {
	CheckpointDuration prometheus.Histogram
	RedoRecords        prometheus.Counter
	UndoRecords        prometheus.Counter
	DirtyPages         prometheus.Gauge
}

// NewRecoveryMetrics builds and registers the recovery instruments with reg.
func NewRecoveryMetrics(reg prometheus.Registerer) *RecoveryMetrics {
	m := &RecoveryMetrics{
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "txnkernel",
			Subsystem: "recovery",
			Name:      "checkpoint_duration_seconds",
			Help:      "Wall time of fuzzy checkpoints.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		RedoRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txnkernel",
			Subsystem: "recovery",
			Name:      "redo_records_total",
			Help:      "Log records replayed during restart redo.",
		}),
		UndoRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txnkernel",
			Subsystem: "recovery",
			Name:      "undo_records_total",
			Help:      "Compensation records emitted during rollback and restart undo.",
		}),
		DirtyPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "txnkernel",
			Subsystem: "recovery",
			Name:      "dirty_pages",
			Help:      "Current dirty page table size.",
		}),
	}
	reg.MustRegister(m.CheckpointDuration, m.RedoRecords, m.UndoRecords, m.DirtyPages)
	return m
}

// ObserveCheckpoint records a checkpoint's duration. Nil-safe.
func (m *RecoveryMetrics) ObserveCheckpoint(d time.Duration) {
	if m == nil {
		return
	}
	m.CheckpointDuration.Observe(d.Seconds())
}

// IncRedo counts a replayed record. Nil-safe.
func (m *RecoveryMetrics) IncRedo() {
	if m == nil {
		return
	}
	m.RedoRecords.Inc()
}

// IncUndo counts an emitted compensation record. Nil-safe.
func (m *RecoveryMetrics) IncUndo() {
	if m == nil {
		return
	}
	m.UndoRecords.Inc()
}

// SetDirtyPages updates the DPT size gauge. Nil-safe.
func (m *RecoveryMetrics) SetDirtyPages(n int) {
	if m == nil {
		return
	}
	m.DirtyPages.Set(float64(n))
}
