package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	t.Parallel()

	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveBatchOp("set", true)
	m.ObserveBatchOp("set", true)
	m.ObserveBatchOp("get", false)
	m.ObserveRetry()
	m.ObserveIssue("duplicate", "high")
	m.ObserveRepair("fixed", 2)
	m.ObserveRepair("skipped", 0)

	require.InDelta(t, 2, testutil.ToFloat64(m.BatchOperations.WithLabelValues("set", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.BatchOperations.WithLabelValues("get", "failure")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.BatchRetries), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.IntegrityIssues.WithLabelValues("duplicate", "high")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.Repairs.WithLabelValues("fixed")), 0)
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.ObserveRetry()
	require.InDelta(t, 1, testutil.ToFloat64(second.BatchRetries), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveBatchOp("set", true)
		m.ObserveBackup("create", true, 10)
		m.ObserveLockContention()
	})
}
