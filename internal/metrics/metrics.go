// Package metrics exposes Prometheus collectors for the storage engines.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "finsync"

type Metrics struct {
	BatchOperations *prometheus.CounterVec
	BatchRetries    prometheus.Counter
	IntegrityIssues *prometheus.CounterVec
	Repairs         *prometheus.CounterVec
	MigrationSteps  *prometheus.CounterVec
	Backups         *prometheus.CounterVec
	BackupBytes     prometheus.Histogram
	StructuralWaits prometheus.Counter
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused so two engines may share a registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BatchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "operations_total",
			Help:      "Batch operations by kind and result.",
		}, []string{"kind", "result"}),
		BatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "retries_total",
			Help:      "Retried batch operation attempts.",
		}),
		IntegrityIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "issues_total",
			Help:      "Integrity issues found by type and severity.",
		}, []string{"type", "severity"}),
		Repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "repairs_total",
			Help:      "Repair outcomes.",
		}, []string{"result"}),
		MigrationSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "steps_total",
			Help:      "Migration steps by direction and result.",
		}, []string{"direction", "result"}),
		Backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "operations_total",
			Help:      "Backup and restore operations by result.",
		}, []string{"operation", "result"}),
		BackupBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "stored_bytes",
			Help:      "Size of stored backup blobs.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		StructuralWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "contended_total",
			Help:      "Structural lock acquisitions that had to wait or were refused.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.BatchOperations, err = register(reg, m.BatchOperations); err != nil {
		return nil, err
	}
	if m.BatchRetries, err = register(reg, m.BatchRetries); err != nil {
		return nil, err
	}
	if m.IntegrityIssues, err = register(reg, m.IntegrityIssues); err != nil {
		return nil, err
	}
	if m.Repairs, err = register(reg, m.Repairs); err != nil {
		return nil, err
	}
	if m.MigrationSteps, err = register(reg, m.MigrationSteps); err != nil {
		return nil, err
	}
	if m.Backups, err = register(reg, m.Backups); err != nil {
		return nil, err
	}
	if m.BackupBytes, err = register(reg, m.BackupBytes); err != nil {
		return nil, err
	}
	if m.StructuralWaits, err = register(reg, m.StructuralWaits); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func (m *Metrics) ObserveBatchOp(kind string, ok bool) {
	if m == nil {
		return
	}
	m.BatchOperations.WithLabelValues(kind, result(ok)).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.BatchRetries.Inc()
}

func (m *Metrics) ObserveIssue(issueType, severity string) {
	if m == nil {
		return
	}
	m.IntegrityIssues.WithLabelValues(issueType, severity).Inc()
}

func (m *Metrics) ObserveRepair(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Repairs.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveMigrationStep(direction string, ok bool) {
	if m == nil {
		return
	}
	m.MigrationSteps.WithLabelValues(direction, result(ok)).Inc()
}

func (m *Metrics) ObserveBackup(operation string, ok bool, size int) {
	if m == nil {
		return
	}
	m.Backups.WithLabelValues(operation, result(ok)).Inc()
	if ok && size > 0 {
		m.BackupBytes.Observe(float64(size))
	}
}

func (m *Metrics) ObserveLockContention() {
	if m == nil {
		return
	}
	m.StructuralWaits.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
