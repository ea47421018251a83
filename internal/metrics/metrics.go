// Package metrics holds the Prometheus collectors for migration, backup,
// restore and locking. A nil *Metrics is valid and records nothing, so
// engines can be constructed without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cleo"

// Metrics holds all collectors. Safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	// MigrationsTotal counts migration runs by outcome
	// (committed, skipped, rolled_back, failed).
	MigrationsTotal *prometheus.CounterVec

	// MigrationDuration measures whole runs.
	MigrationDuration prometheus.Histogram

	// MigrationPhaseTotal counts phase entries.
	MigrationPhaseTotal *prometheus.CounterVec

	// BackupsTotal counts backup creations by type and outcome.
	BackupsTotal *prometheus.CounterVec

	// BackupBytes observes backup payload sizes by type.
	BackupBytes *prometheus.HistogramVec

	// BackupsPrunedTotal counts backups removed by retention.
	BackupsPrunedTotal *prometheus.CounterVec

	// RestoresTotal counts restores by outcome
	// (restored, forced, rolled_back, failed).
	RestoresTotal *prometheus.CounterVec

	// LockWaitSeconds measures time spent acquiring the store lock.
	LockWaitSeconds prometheus.Histogram

	// LockTimeoutsTotal counts acquisitions that ran out of budget.
	LockTimeoutsTotal prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		MigrationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "runs_total",
				Help:      "Migration runs by outcome",
			},
			[]string{"outcome"},
		),
		MigrationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "duration_seconds",
				Help:      "Wall time of migration runs",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
		),
		MigrationPhaseTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "phase_total",
				Help:      "Migration phase entries",
			},
			[]string{"phase"},
		),
		BackupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "created_total",
				Help:      "Backup creations by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		BackupBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "size_bytes",
				Help:      "Stored size of created backups",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
			[]string{"type"},
		),
		BackupsPrunedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "pruned_total",
				Help:      "Backups removed by retention",
			},
			[]string{"type"},
		),
		RestoresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "restore",
				Name:      "runs_total",
				Help:      "Restore runs by outcome",
			},
			[]string{"outcome"},
		),
		LockWaitSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "wait_seconds",
				Help:      "Time spent acquiring the store lock",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
		),
		LockTimeoutsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "timeouts_total",
				Help:      "Lock acquisitions that timed out",
			},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes all collectors in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) ObserveMigration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(outcome).Inc()
	m.MigrationDuration.Observe(d.Seconds())
}

func (m *Metrics) IncPhase(phase string) {
	if m == nil {
		return
	}
	m.MigrationPhaseTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) ObserveBackup(backupType, outcome string, size int64) {
	if m == nil {
		return
	}
	m.BackupsTotal.WithLabelValues(backupType, outcome).Inc()
	if outcome == "ok" {
		m.BackupBytes.WithLabelValues(backupType).Observe(float64(size))
	}
}

func (m *Metrics) AddPruned(backupType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.BackupsPrunedTotal.WithLabelValues(backupType).Add(float64(n))
}

func (m *Metrics) IncRestore(outcome string) {
	if m == nil {
		return
	}
	m.RestoresTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(d.Seconds())
}

func (m *Metrics) IncLockTimeout() {
	if m == nil {
		return
	}
	m.LockTimeoutsTotal.Inc()
}
