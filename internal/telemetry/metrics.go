// Package telemetry wraps a per-engine-instance Prometheus registry, the
// engine's only optional subsystem: nothing in storage, keyspace,
// memtable, sstable, or compaction depends on a telemetry call
// succeeding, or even on a *Registry being non-nil.
//
// Grounded on dd0wney-graphdb/pkg/metrics: a struct of typed metric
// handles built once against its own prometheus.Registry (never the
// global default, per metrics_types.go's NewRegistry), populated by
// one init* method per concern (here, one: storage), and a handful of
// Record*/Update* convenience methods that hide the WithLabelValues
// plumbing from call sites.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this engine instance exposes. Constructed
// per storage.Storage instance (not a package-level singleton) so that
// multiple engines embedded in one process register against distinct
// prometheus.Registry instances instead of colliding on metric names.
type Registry struct {
	ActiveMemtableSizeBytes *prometheus.GaugeVec
	InactiveMemtableCount   *prometheus.GaugeVec
	SSTableCount            *prometheus.GaugeVec

	CompactionTasksTotal   *prometheus.CounterVec
	CompactionTaskDuration *prometheus.HistogramVec
	FlushDuration          prometheus.Histogram
	FlushesTotal           prometheus.Counter

	TransactionsStartedTotal    prometheus.Counter
	TransactionsCommittedTotal  prometheus.Counter
	TransactionsRolledBackTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewRegistry builds a fresh, independent metrics registry and
// initializes every metric declared on Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}
	r.initStorageMetrics(reg)
	return r
}

func (r *Registry) initStorageMetrics(reg *prometheus.Registry) {
	r.ActiveMemtableSizeBytes = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laura_active_memtable_size_bytes",
			Help: "Approximate size in bytes of the Active memtable, per keyspace.",
		},
		[]string{"keyspace"},
	)
	r.InactiveMemtableCount = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laura_inactive_memtable_count",
			Help: "Number of Inactive memtables awaiting flush, per keyspace.",
		},
		[]string{"keyspace"},
	)
	r.SSTableCount = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laura_sstable_count",
			Help: "Number of SSTables, per keyspace and level/tier.",
		},
		[]string{"keyspace", "level"},
	)

	r.CompactionTasksTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "laura_compaction_tasks_total",
			Help: "Total number of compaction tasks run, per keyspace and outcome.",
		},
		[]string{"keyspace", "outcome"},
	)
	r.CompactionTaskDuration = promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laura_compaction_task_duration_seconds",
			Help:    "Compaction task duration in seconds, per keyspace.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"keyspace"},
	)

	r.FlushDuration = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laura_flush_duration_seconds",
			Help:    "Memtable flush-to-SSTable duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	r.FlushesTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "laura_flushes_total",
			Help: "Total number of memtable flushes completed.",
		},
	)

	r.TransactionsStartedTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "laura_transactions_started_total",
			Help: "Total number of transactions started.",
		},
	)
	r.TransactionsCommittedTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "laura_transactions_committed_total",
			Help: "Total number of transactions committed.",
		},
	)
	r.TransactionsRolledBackTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "laura_transactions_rolled_back_total",
			Help: "Total number of transactions rolled back.",
		},
	)
}

// Prometheus returns the underlying registry, for wiring into an
// http.Handler via promhttp in whatever binary embeds this engine.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// RecordFlush records one completed memtable flush.
func (r *Registry) RecordFlush(d time.Duration) {
	if r == nil {
		return
	}
	r.FlushesTotal.Inc()
	r.FlushDuration.Observe(d.Seconds())
}

// RecordCompactionTask records one compaction task's outcome and
// duration for keyspace.
func (r *Registry) RecordCompactionTask(keyspace string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	r.CompactionTasksTotal.WithLabelValues(keyspace, outcome).Inc()
	r.CompactionTaskDuration.WithLabelValues(keyspace).Observe(d.Seconds())
}

// RecordTransactionStart records a transaction start.
func (r *Registry) RecordTransactionStart() {
	if r == nil {
		return
	}
	r.TransactionsStartedTotal.Inc()
}

// RecordTransactionCommit records a transaction commit.
func (r *Registry) RecordTransactionCommit() {
	if r == nil {
		return
	}
	r.TransactionsCommittedTotal.Inc()
}

// RecordTransactionRollback records a transaction rollback.
func (r *Registry) RecordTransactionRollback() {
	if r == nil {
		return
	}
	r.TransactionsRolledBackTotal.Inc()
}

// SetMemtableGauges updates the per-keyspace memtable gauges. Called
// after every rotation, where activeSize and inactiveCount are already
// known without any extra locking.
func (r *Registry) SetMemtableGauges(keyspace string, activeSizeBytes int64, inactiveCount int) {
	if r == nil {
		return
	}
	r.ActiveMemtableSizeBytes.WithLabelValues(keyspace).Set(float64(activeSizeBytes))
	r.InactiveMemtableCount.WithLabelValues(keyspace).Set(float64(inactiveCount))
}

// SetSSTableCount updates the SSTable count gauge for one keyspace and
// level/tier label.
func (r *Registry) SetSSTableCount(keyspace, level string, count int) {
	if r == nil {
		return
	}
	r.SSTableCount.WithLabelValues(keyspace, level).Set(float64(count))
}
