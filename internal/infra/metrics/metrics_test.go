package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestPassMetrics(t *testing.T) {
	Passes.WithLabelValues("reconcile", "ok").Inc()
	PassDuration.WithLabelValues("reconcile").Observe(1.2)
	AccountErrors.WithLabelValues("research", "list").Inc()

	names := gatheredNames(t)
	for _, name := range []string{
		"gpugov_passes_total",
		"gpugov_pass_duration_seconds",
		"gpugov_account_errors_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestFleetAndCostMetrics(t *testing.T) {
	MachinesActive.WithLabelValues("research").Set(3)
	SamplesRecorded.WithLabelValues("gpu").Inc()
	SampleFailures.WithLabelValues("gpu").Inc()
	SamplesPruned.Add(10)
	CostAccrued.WithLabelValues("research").Add(40)
	LedgerTotal.WithLabelValues("account", "research").Set(4000)

	names := gatheredNames(t)
	for _, name := range []string{
		"gpugov_machines_active",
		"gpugov_samples_recorded_total",
		"gpugov_sample_failures_total",
		"gpugov_samples_pruned_total",
		"gpugov_cost_accrued_cents_total",
		"gpugov_ledger_total_cents",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestEnforcementMetrics(t *testing.T) {
	Terminations.WithLabelValues("idle", "ok").Inc()
	Notifications.WithLabelValues("milestone", "ok").Inc()
	ProviderLatency.WithLabelValues("/instances").Observe(0.2)

	names := gatheredNames(t)
	for _, name := range []string{
		"gpugov_terminations_total",
		"gpugov_notifications_total",
		"gpugov_provider_request_seconds",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestResult(t *testing.T) {
	if Result(nil) != "ok" {
		t.Error("Result(nil) should be ok")
	}
	if Result(errors.New("x")) != "error" {
		t.Error("Result(err) should be error")
	}
}
