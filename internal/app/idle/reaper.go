package idle

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/logging"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
)

// Store is what the reaper reads.
type Store interface {
	ListActiveMachines(account string) ([]domain.Machine, error)
	UtilizationSamplesSince(machineID string, since time.Time) ([]domain.UtilizationSample, error)
}

// Decision is the outcome for one machine.
type Decision struct {
	Machine    domain.Machine `json:"machine"`
	Evaluation Evaluation     `json:"evaluation"`
	Terminated bool           `json:"terminated"`
	Error      string         `json:"error,omitempty"`
}

// Report summarizes one reaper pass.
type Report struct {
	DryRun     bool       `json:"dry_run"`
	Checked    int        `json:"checked"`
	Terminated int        `json:"terminated"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Decisions  []Decision `json:"decisions"`
}

// Reaper terminates machines that satisfy the idle policy.
type Reaper struct {
	store    Store
	provider domain.Provider
	policy   Policy
	now      func() time.Time
}

// NewReaper creates a reaper.
func NewReaper(store Store, provider domain.Provider, policy Policy) *Reaper {
	return &Reaper{store: store, provider: provider, policy: policy, now: time.Now}
}

// Policy returns the policy in force.
func (r *Reaper) Policy() Policy { return r.policy }

// Lookback is how far back reports read samples: a day, or the idle window
// if that is longer.
func (r *Reaper) Lookback() time.Duration {
	return max(24*time.Hour, r.policy.IdleThreshold)
}

// Evaluate loads a machine's samples and evaluates it.
func (r *Reaper) Evaluate(m *domain.Machine) (Evaluation, error) {
	now := r.now()
	samples, err := r.store.UtilizationSamplesSince(m.ID, now.Add(-r.Lookback()))
	if err != nil {
		return Evaluation{}, fmt.Errorf("load samples for %s: %w", m.ID, err)
	}
	return Evaluate(m, samples, now, r.policy), nil
}

// Run evaluates every active machine and terminates the eligible ones.
// credentials maps account name to API key; machines of accounts without
// one are evaluated but never terminated.
func (r *Reaper) Run(ctx context.Context, credentials map[string]string, dryRun bool, log *logrus.Entry) (Report, error) {
	if log == nil {
		log = logging.For("idle")
	}
	rep := Report{DryRun: dryRun}

	machines, err := r.store.ListActiveMachines("")
	if err != nil {
		return rep, fmt.Errorf("list active machines: %w", err)
	}
	slices.SortFunc(machines, func(a, b domain.Machine) int {
		if c := cmp.Compare(a.Account, b.Account); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	for i := range machines {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		m := machines[i]
		rep.Checked++
		d := Decision{Machine: m}
		mlog := log.WithFields(logrus.Fields{"machine": m.DisplayName(), "account": m.Account, "key": m.PrimaryKey()})

		ev, err := r.Evaluate(&m)
		if err != nil {
			rep.Failed++
			d.Error = err.Error()
			mlog.WithError(err).Error("evaluation failed")
			rep.Decisions = append(rep.Decisions, d)
			continue
		}
		d.Evaluation = ev
		fields := logrus.Fields{
			"reason":        ev.Reason,
			"window_points": ev.WindowPoints,
			"required":      ev.RequiredPoints,
			"runtime":       ev.Runtime.Round(time.Minute).String(),
		}

		if !ev.Eligible {
			rep.Skipped++
			mlog.WithFields(fields).Info("not reclaiming")
			rep.Decisions = append(rep.Decisions, d)
			continue
		}
		if dryRun {
			rep.Skipped++
			mlog.WithFields(fields).Info("would terminate (dry run)")
			rep.Decisions = append(rep.Decisions, d)
			continue
		}

		cred := credentials[m.Account]
		if cred == "" {
			rep.Failed++
			d.Error = domain.ErrMissingCredential.Error()
			metrics.Terminations.WithLabelValues("idle", "error").Inc()
			mlog.WithFields(fields).Warn("eligible but account has no credential")
			rep.Decisions = append(rep.Decisions, d)
			continue
		}

		done, err := r.provider.Terminate(ctx, cred, []string{m.ID})
		switch {
		case err != nil:
			rep.Failed++
			d.Error = err.Error()
			metrics.Terminations.WithLabelValues("idle", "error").Inc()
			mlog.WithFields(fields).WithError(err).Error("terminate failed")
		case !slices.Contains(done, m.ID):
			rep.Failed++
			d.Error = "provider did not confirm termination"
			metrics.Terminations.WithLabelValues("idle", "error").Inc()
			mlog.WithFields(fields).Warn("terminate not confirmed")
		default:
			rep.Terminated++
			d.Terminated = true
			metrics.Terminations.WithLabelValues("idle", "ok").Inc()
			mlog.WithFields(fields).Warn("terminated idle machine")
		}
		rep.Decisions = append(rep.Decisions, d)
	}
	return rep, nil
}
