package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Analysis pipeline collectors, registered on the default registry.
var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btn_analysis_runs_total",
		Help: "Analysis runs by outcome",
	}, []string{"outcome"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "btn_analysis_run_duration_seconds",
		Help:    "Duration of a full analysis run",
		Buckets: prometheus.DefBuckets,
	})

	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btn_pattern_matches_total",
		Help: "Pattern matches emitted by kind",
	}, []string{"kind"})

	ExtendedMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btn_extended_matches_total",
		Help: "Recurrence and escalation matches derived from history",
	}, []string{"type"})

	LedgerWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btn_ledger_warnings_total",
		Help: "Transactions skipped during ledger replay",
	})

	SnapshotsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btn_snapshots_loaded",
		Help: "Snapshots held by the cache after the last load",
	})

	SnapshotsSkipped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btn_snapshots_skipped",
		Help: "Stored snapshots the last load dropped as undecodable",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btn_alerts_total",
		Help: "Alerts emitted by level",
	}, []string{"level"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btn_api_rate_limited_total",
		Help: "Requests rejected by the per-IP rate limiter",
	})

	ClusterDriftARI = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btn_cluster_drift_ari",
		Help: "Adjusted Rand Index between the previous and current run's clusters",
	})
)

// Outcome labels for RunsTotal.
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)
