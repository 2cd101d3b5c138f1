// Package budget enforces spending limits: milestone alerts as a ledger
// total grows, a one-shot alert when it crosses the limit, and termination
// of the owner's non-allowlisted machines while it stays over.
package budget

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/logging"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

// Result is the outcome for one budget.
type Result struct {
	Scope         domain.Scope `json:"scope"`
	Identity      string       `json:"identity"`
	SpentCents    int64        `json:"spent_cents"`
	LimitCents    int64        `json:"limit_cents"`
	Over          bool         `json:"over_budget"`
	Notifications int          `json:"notifications"`
	Terminated    int          `json:"terminated"`
	Skipped       int          `json:"skipped"`
	Failed        int          `json:"failed"`
	Error         string       `json:"error,omitempty"`
}

// Report aggregates one enforcement pass.
type Report struct {
	DryRun        bool     `json:"dry_run"`
	Terminated    int      `json:"terminated"`
	Skipped       int      `json:"skipped"`
	Failed        int      `json:"failed"`
	Notifications int      `json:"notifications"`
	Budgets       []Result `json:"budgets"`
}

func (r *Report) add(res Result) {
	r.Terminated += res.Terminated
	r.Skipped += res.Skipped
	r.Failed += res.Failed
	r.Notifications += res.Notifications
	r.Budgets = append(r.Budgets, res)
}

// Enforcer applies budgets against the ledger.
type Enforcer struct {
	db       *sqlite.DB
	provider domain.Provider
	notifier domain.Notifier
	markers  []string
	now      func() time.Time
}

// NewEnforcer creates an enforcer. markers are the allowlist name markers.
func NewEnforcer(db *sqlite.DB, provider domain.Provider, notifier domain.Notifier, markers []string) *Enforcer {
	return &Enforcer{db: db, provider: provider, notifier: notifier, markers: markers, now: time.Now}
}

// Run checks every budget in order. credentials maps account name to API
// key. A failure on one budget is recorded and the pass continues.
func (e *Enforcer) Run(ctx context.Context, budgets []domain.Budget, credentials map[string]string, dryRun bool, log *logrus.Entry) Report {
	if log == nil {
		log = logging.For("budget")
	}
	rep := Report{DryRun: dryRun}
	for _, b := range budgets {
		if ctx.Err() != nil {
			break
		}
		blog := log.WithFields(logrus.Fields{string(b.Scope): b.Identity})
		res, err := e.enforce(ctx, b, credentials, dryRun, blog)
		if err != nil {
			res.Error = err.Error()
			res.Failed++
			metrics.AccountErrors.WithLabelValues(b.Identity, "budget").Inc()
			blog.WithError(err).Error("budget check failed")
		}
		rep.add(res)
	}
	return rep
}

func (e *Enforcer) enforce(ctx context.Context, b domain.Budget, credentials map[string]string, dryRun bool, log *logrus.Entry) (Result, error) {
	res := Result{Scope: b.Scope, Identity: b.Identity, LimitCents: b.LimitCents}

	// Plain reads: nothing is held open while alerts go out, so reporting
	// queries never wait on a webhook.
	total, err := e.db.Cost(b.Scope, b.Identity)
	if err != nil {
		return res, fmt.Errorf("read ledger: %w", err)
	}
	start, err := e.db.NotificationLevel(b.Scope, b.Identity)
	if err != nil {
		return res, fmt.Errorf("read notification level: %w", err)
	}
	res.SpentCents = total
	res.Over = b.Over(total)
	metrics.LedgerTotal.WithLabelValues(string(b.Scope), b.Identity).Set(float64(total))

	if cur := b.Milestone(total); cur > 0 && cur > b.Milestone(start) {
		alert := domain.Alert{
			Kind: domain.AlertMilestone, Scope: b.Scope, Identity: b.Identity,
			SpentCents: total, LimitCents: b.LimitCents, Milestone: cur, OverBudget: res.Over,
		}
		if e.send(ctx, b, alert, dryRun, log) {
			res.Notifications++
		}
	}

	// Compared against the level at the start of the pass, so a pass
	// that crosses a milestone and the limit sends both alerts.
	if res.Over && start < b.LimitCents {
		alert := domain.Alert{
			Kind: domain.AlertOverBudget, Scope: b.Scope, Identity: b.Identity,
			SpentCents: total, LimitCents: b.LimitCents, Milestone: b.Milestone(total), OverBudget: true,
		}
		if e.send(ctx, b, alert, dryRun, log) {
			res.Notifications++
		}
	}
	if !res.Over {
		return res, nil
	}

	log.WithFields(logrus.Fields{
		"spent": domain.FormatMoney(res.SpentCents),
		"limit": domain.FormatMoney(b.LimitCents),
	}).Warn("over budget")

	machines, err := e.machinesFor(b)
	if err != nil {
		return res, err
	}
	for i := range machines {
		m := &machines[i]
		mlog := log.WithFields(logrus.Fields{"machine": m.DisplayName(), "account": m.Account})
		if m.IsAllowlisted(e.markers) {
			res.Skipped++
			mlog.Info("over budget, machine allowlisted")
			continue
		}
		if dryRun {
			res.Skipped++
			mlog.Info("would terminate for budget (dry run)")
			continue
		}
		cred := credentials[m.Account]
		if cred == "" {
			res.Failed++
			metrics.Terminations.WithLabelValues("budget", "error").Inc()
			mlog.Warn("over budget but account has no credential")
			continue
		}
		done, err := e.provider.Terminate(ctx, cred, []string{m.ID})
		if err != nil || !slices.Contains(done, m.ID) {
			res.Failed++
			metrics.Terminations.WithLabelValues("budget", "error").Inc()
			mlog.WithError(err).Error("budget terminate failed")
			continue
		}
		res.Terminated++
		metrics.Terminations.WithLabelValues("budget", "ok").Inc()
		mlog.Warn("terminated for budget")
	}
	return res, nil
}

// send delivers an alert and advances the notification level on success.
// Without a webhook nothing is sent and the level stays put.
func (e *Enforcer) send(ctx context.Context, b domain.Budget, alert domain.Alert, dryRun bool, log *logrus.Entry) bool {
	alog := log.WithFields(logrus.Fields{"kind": alert.Kind, "spent": domain.FormatMoney(alert.SpentCents)})
	if b.Webhook == "" || e.notifier == nil {
		alog.Debug("alert due, no webhook configured")
		return false
	}
	if dryRun {
		alog.Info("would send alert (dry run)")
		return false
	}
	if err := e.notifier.Notify(ctx, b.Webhook, alert); err != nil {
		alog.WithError(err).Warn("alert delivery failed")
		return false
	}
	if err := e.recordLevel(b, alert.SpentCents); err != nil {
		alog.WithError(err).Error("record notification level failed")
		return false
	}
	alog.Info("alert sent")
	return true
}

// recordLevel raises the stored notification level to cents. The level
// never moves down here; only a ledger reset clears it.
func (e *Enforcer) recordLevel(b domain.Budget, cents int64) error {
	return e.db.WithTx(func(tx *sqlite.DB) error {
		cur, err := tx.NotificationLevel(b.Scope, b.Identity)
		if err != nil {
			return err
		}
		if cur >= cents {
			return nil
		}
		return tx.SetNotificationLevel(b.Scope, b.Identity, cents, e.now())
	})
}

// machinesFor returns the active machines a budget governs.
func (e *Enforcer) machinesFor(b domain.Budget) ([]domain.Machine, error) {
	switch b.Scope {
	case domain.ScopeAccount:
		return e.db.ListActiveMachines(b.Identity)
	case domain.ScopeKey:
		all, err := e.db.ListActiveMachines("")
		if err != nil {
			return nil, err
		}
		var out []domain.Machine
		for _, m := range all {
			if m.PrimaryKey() == b.Identity {
				out = append(out, m)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown budget scope %q", b.Scope)
	}
}

// KeyBudgets builds a budget per ownership key seen in the ledger, all with
// the same limit. A key's alerts go to the webhook of the account of its
// most recently seen machine. A non-positive limit disables key budgets.
func KeyBudgets(db *sqlite.DB, limitCents, interval int64, webhooks map[string]string) ([]domain.Budget, error) {
	if limitCents <= 0 {
		return nil, nil
	}
	entries, err := db.Costs(domain.ScopeKey)
	if err != nil {
		return nil, fmt.Errorf("read key ledger: %w", err)
	}
	machines, err := db.ListMachines()
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	owner := make(map[string]domain.Machine)
	for _, m := range machines {
		k := m.PrimaryKey()
		if k == "" {
			continue
		}
		if prev, ok := owner[k]; !ok || m.LastSeen.After(prev.LastSeen) {
			owner[k] = m
		}
	}

	if interval <= 0 {
		interval = domain.DefaultMilestoneInterval
	}
	out := make([]domain.Budget, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.Budget{
			Scope:             domain.ScopeKey,
			Identity:          e.Identity,
			LimitCents:        limitCents,
			MilestoneInterval: interval,
			Webhook:           webhooks[owner[e.Identity].Account],
		})
	}
	return out, nil
}
