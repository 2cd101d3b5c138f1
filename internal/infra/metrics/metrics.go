// Package metrics provides Prometheus metrics for gpugov: reconciliation
// passes, sampling, cost accrual, terminations and notifications.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Passes ─────────────────────────────────────────────────────────────────

// Passes counts completed checks by kind (reconcile, idle, budget) and result.
var Passes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "passes_total",
	Help:      "Total check passes by kind and result.",
}, []string{"kind", "result"})

// PassDuration tracks how long each check takes.
var PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gpugov",
	Name:      "pass_duration_seconds",
	Help:      "Check pass duration in seconds.",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
}, []string{"kind"})

// AccountErrors counts accounts whose pass failed and was isolated.
var AccountErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "account_errors_total",
	Help:      "Account-level failures contained by the reconciliation loop.",
}, []string{"account", "stage"})

// ─── Fleet ──────────────────────────────────────────────────────────────────

// MachinesActive tracks active machines per account.
var MachinesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gpugov",
	Name:      "machines_active",
	Help:      "Active machines per account.",
}, []string{"account"})

// SamplesRecorded counts utilization batches written.
var SamplesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "samples_recorded_total",
	Help:      "Utilization and disk sample batches written.",
}, []string{"kind"})

// SampleFailures counts machines that produced no data this pass.
var SampleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "sample_failures_total",
	Help:      "Sampling attempts that produced no data.",
}, []string{"kind"})

// SamplesPruned counts rows removed by retention.
var SamplesPruned = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "samples_pruned_total",
	Help:      "Samples deleted by the retention window.",
})

// ─── Cost ───────────────────────────────────────────────────────────────────

// CostAccrued counts cents added to account ledgers.
var CostAccrued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "cost_accrued_cents_total",
	Help:      "Estimated cost accrued per account in cents.",
}, []string{"account"})

// LedgerTotal mirrors the running ledger total per scope and identity.
var LedgerTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gpugov",
	Name:      "ledger_total_cents",
	Help:      "Running ledger total in cents.",
}, []string{"scope", "identity"})

// ─── Enforcement ────────────────────────────────────────────────────────────

// Terminations counts reclamation attempts by reason and result.
var Terminations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "terminations_total",
	Help:      "Reclamation attempts by reason (idle, budget) and result.",
}, []string{"reason", "result"})

// Notifications counts budget alerts by kind and result.
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpugov",
	Name:      "notifications_total",
	Help:      "Budget notifications by kind and result.",
}, []string{"kind", "result"})

// ─── Provider ───────────────────────────────────────────────────────────────

// ProviderLatency tracks provider API round-trip latency.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gpugov",
	Name:      "provider_request_seconds",
	Help:      "Provider API request latency.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"endpoint"})

// Result maps an error to a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
