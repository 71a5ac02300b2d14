package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for deal evaluation and reconciliation health.
var (
	EvaluationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_evaluations_total",
			Help: "Total number of orchestrated deal evaluations",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_state_transitions_total",
			Help: "Total number of applied deal state transitions",
		},
		[]string{"from", "to"},
	)

	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_ledger_entries_total",
			Help: "Total number of ledger entries written, by entry type",
		},
		[]string{"type"},
	)

	LedgerReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_ledger_replays_total",
			Help: "Total number of idempotent ledger replays (existing entry returned)",
		},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_job_runs_total",
			Help: "Total number of reconciliation job sweeps, by job",
		},
		[]string{"job"},
	)

	JobItemFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_job_item_failures_total",
			Help: "Total number of per-deal failures skipped by reconciliation jobs",
		},
		[]string{"job"},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escrow_evaluation_duration_seconds",
			Help:    "Duration of orchestrated deal evaluations",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register installs all collectors on the provided registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EvaluationsTotal,
		TransitionsTotal,
		LedgerEntriesTotal,
		LedgerReplaysTotal,
		JobRunsTotal,
		JobItemFailuresTotal,
		EvaluationDuration,
	)
}
