package observability

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestPipelineMetricsRegisterAndCount(t *testing.T) {
	registry := NewRegistry()
	metrics := NewPipelineMetrics(registry)

	metrics.RunsTotal.WithLabelValues("cloud", "SUCCEEDED").Inc()
	metrics.RunsTotal.WithLabelValues("cloud", "FAILED").Inc()
	metrics.RunsTotal.WithLabelValues("cloud", "FAILED").Inc()
	metrics.MergedRows.WithLabelValues("cloud").Add(31)
	metrics.RunDuration.WithLabelValues("cloud").Observe(1.5)
	metrics.LockWait.Observe(0.02)

	families, err := registry.Gather()
	require.NoError(t, err)

	runs := gatherFamily(t, families, "ledgerline_pipeline_runs_total")
	require.Len(t, runs.GetMetric(), 2)
	byStatus := map[string]float64{}
	for _, metric := range runs.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "status" {
				byStatus[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), byStatus["SUCCEEDED"])
	assert.Equal(t, float64(2), byStatus["FAILED"])

	merged := gatherFamily(t, families, "ledgerline_ledger_merged_rows_total")
	require.Len(t, merged.GetMetric(), 1)
	assert.Equal(t, float64(31), merged.GetMetric()[0].GetCounter().GetValue())

	duration := gatherFamily(t, families, "ledgerline_pipeline_run_duration_seconds")
	require.Len(t, duration.GetMetric(), 1)
	assert.Equal(t, uint64(1), duration.GetMetric()[0].GetHistogram().GetSampleCount())

	lockWait := gatherFamily(t, families, "ledgerline_pipeline_ledger_lock_wait_seconds")
	require.Len(t, lockWait.GetMetric(), 1)
	assert.Equal(t, uint64(1), lockWait.GetMetric()[0].GetHistogram().GetSampleCount())
}
