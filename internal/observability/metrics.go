package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PipelineMetrics instruments the sequencer: run outcomes, run
// duration, and how long merges wait on the per-tenant write lock.
type PipelineMetrics struct {
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	LockWait    prometheus.Histogram
	MergedRows  *prometheus.CounterVec
}

func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func NewPipelineMetrics(registry *prometheus.Registry) *PipelineMetrics {
	m := &PipelineMetrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerline",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by domain and terminal status.",
		}, []string{"domain", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledgerline",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time from RUNNING to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"domain"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgerline",
			Subsystem: "pipeline",
			Name:      "ledger_lock_wait_seconds",
			Help:      "Time spent queued on the per-tenant ledger write lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		MergedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerline",
			Subsystem: "ledger",
			Name:      "merged_rows_total",
			Help:      "Canonical ledger rows written by merge, per domain.",
		}, []string{"domain"}),
	}
	registry.MustRegister(m.RunsTotal, m.RunDuration, m.LockWait, m.MergedRows)
	return m
}
