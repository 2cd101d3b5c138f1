// Package reconcile runs the per-account governance pass: refresh the
// machine inventory from the provider, accrue cost, initialize new machines
// and sample them. Accounts are isolated from each other's failures.
package reconcile

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/gpugov/internal/app/ledger"
	"github.com/tutu-network/gpugov/internal/app/sampler"
	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/logging"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
	"github.com/tutu-network/gpugov/internal/infra/sshconfig"
)

// InitRemotePath is where the init script is copied on each machine.
const InitRemotePath = "/tmp/init_machine.sh"

// Account is one credential to reconcile.
type Account struct {
	Name   string
	APIKey string
}

// Options tune a pass.
type Options struct {
	// InitScript is a local path; empty means machines need no setup.
	InitScript  string
	InitTimeout time.Duration
	Retention   time.Duration
	// SSHConfig, when set, receives a managed Host block per machine.
	SSHConfig string
	SSHUser   string
	// KeyPath resolves the identity file written into the ssh config.
	KeyPath func(*domain.Machine) string
}

// PassReport is the outcome for one account.
type PassReport struct {
	Account     string              `json:"account"`
	Listed      int                 `json:"listed"`
	Active      int                 `json:"active"`
	Missing     int64               `json:"missing"`
	Accrued     ledger.AccrueResult `json:"accrued"`
	Initialized int                 `json:"initialized"`
	InitFailed  int                 `json:"init_failed"`
	Sampling    sampler.Result      `json:"sampling"`
	Duration    time.Duration       `json:"duration"`
	Error       string              `json:"error,omitempty"`
}

// Report is the outcome of a full pass.
type Report struct {
	PassID   string       `json:"pass_id"`
	Started  time.Time    `json:"started"`
	Accounts []PassReport `json:"accounts"`
	Pruned   int64        `json:"pruned"`
}

// Failed counts accounts whose pass ended in error.
func (r Report) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Error != "" {
			n++
		}
	}
	return n
}

// Loop wires the collaborators of a pass.
type Loop struct {
	db       *sqlite.DB
	provider domain.Provider
	remote   domain.RemoteRunner
	sampler  *sampler.Sampler
	ledger   *ledger.Service
	opts     Options
	now      func() time.Time
}

// New creates a reconciliation loop.
func New(db *sqlite.DB, provider domain.Provider, remote domain.RemoteRunner, smp *sampler.Sampler, led *ledger.Service, opts Options) *Loop {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 300 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Loop{db: db, provider: provider, remote: remote, sampler: smp, ledger: led, opts: opts, now: time.Now}
}

// Run reconciles every account in turn, then prunes old samples and
// refreshes the ssh config.
func (l *Loop) Run(ctx context.Context, accounts []Account) Report {
	rep := Report{PassID: uuid.NewString(), Started: l.now()}
	log := logging.For("reconcile").WithField("pass", rep.PassID)
	timer := time.Now()

	for _, acct := range accounts {
		if ctx.Err() != nil {
			break
		}
		pr := l.runAccount(ctx, acct, log.WithField("account", acct.Name))
		rep.Accounts = append(rep.Accounts, pr)
	}

	pruned, err := l.db.PruneSamples(l.now().Add(-l.opts.Retention))
	if err != nil {
		log.WithError(err).Error("prune samples failed")
	} else {
		rep.Pruned = pruned
		metrics.SamplesPruned.Add(float64(pruned))
	}

	if l.opts.SSHConfig != "" {
		if err := l.writeSSHConfig(); err != nil {
			log.WithError(err).Warn("ssh config refresh failed")
		}
	}

	result := "ok"
	if rep.Failed() > 0 {
		result = "partial"
	}
	metrics.Passes.WithLabelValues("reconcile", result).Inc()
	metrics.PassDuration.WithLabelValues("reconcile").Observe(time.Since(timer).Seconds())
	log.WithFields(logrus.Fields{
		"accounts": len(rep.Accounts),
		"failed":   rep.Failed(),
		"pruned":   rep.Pruned,
	}).Info("reconcile pass complete")
	return rep
}

// runAccount never lets a failure, including a panic, escape.
func (l *Loop) runAccount(ctx context.Context, acct Account, log *logrus.Entry) (pr PassReport) {
	pr.Account = acct.Name
	start := time.Now()
	stage := "list"
	defer func() {
		if r := recover(); r != nil {
			pr.Error = fmt.Sprintf("panic: %v", r)
			log.WithField("stack", string(debug.Stack())).Errorf("account pass panicked: %v", r)
		}
		if pr.Error != "" {
			metrics.AccountErrors.WithLabelValues(acct.Name, stage).Inc()
		}
		pr.Duration = time.Since(start)
	}()

	if acct.APIKey == "" {
		pr.Error = domain.ErrMissingCredential.Error()
		log.Warn("skipping account without api key")
		return pr
	}

	listed, err := l.provider.ListMachines(ctx, acct.APIKey)
	if err != nil {
		pr.Error = err.Error()
		log.WithError(err).Error("list machines failed")
		return pr
	}
	pr.Listed = len(listed)

	stage = "upsert"
	now := l.now()
	ids := make([]string, 0, len(listed))
	for i := range listed {
		m := &listed[i]
		m.Account = acct.Name
		m.LastSeen = now
		ids = append(ids, m.ID)
		if m.IsActive() {
			pr.Active++
		}
		if err := l.db.UpsertMachine(*m); err != nil {
			log.WithField("machine", m.DisplayName()).WithError(err).Error("upsert failed")
		}
	}
	missing, err := l.db.MarkMissing(acct.Name, ids, now)
	if err != nil {
		log.WithError(err).Warn("mark missing failed")
	}
	pr.Missing = missing
	if missing > 0 {
		log.WithField("count", missing).Info("machines gone from provider marked terminated")
	}
	metrics.MachinesActive.WithLabelValues(acct.Name).Set(float64(pr.Active))

	stage = "accrue"
	pr.Accrued = l.ledger.Accrue(listed, log)

	stage = "init"
	pr.Initialized, pr.InitFailed = l.initialize(ctx, acct.Name, log)

	stage = "sample"
	pr.Sampling = l.sampler.Sample(ctx, listed, log)

	log.WithFields(logrus.Fields{
		"listed":  pr.Listed,
		"active":  pr.Active,
		"accrued": pr.Accrued.Cents,
		"sampled": pr.Sampling.Sampled,
	}).Debug("account reconciled")
	return pr
}

// initialize runs the init script once on each new active machine. A
// failure leaves the machine for the next pass.
func (l *Loop) initialize(ctx context.Context, account string, log *logrus.Entry) (ok, failed int) {
	pending, err := l.db.ListUninitializedMachines(account)
	if err != nil {
		log.WithError(err).Error("list uninitialized failed")
		return 0, 0
	}
	for i := range pending {
		m := &pending[i]
		if !m.IsActive() || m.IP == "" {
			continue
		}
		mlog := log.WithField("machine", m.DisplayName())
		if err := l.initMachine(ctx, m); err != nil {
			failed++
			mlog.WithError(err).Warn("machine init failed, will retry")
			continue
		}
		if err := l.db.MarkInitialized(m.ID); err != nil {
			failed++
			mlog.WithError(err).Error("mark initialized failed")
			continue
		}
		ok++
		mlog.Info("machine initialized")
	}
	return ok, failed
}

func (l *Loop) initMachine(ctx context.Context, m *domain.Machine) error {
	if l.opts.InitScript == "" {
		return nil
	}
	if err := l.remote.CopyFile(ctx, m, l.opts.InitScript, InitRemotePath, l.opts.InitTimeout); err != nil {
		return fmt.Errorf("copy init script: %w", err)
	}
	cmd := "chmod +x " + InitRemotePath + " && " + InitRemotePath
	code, out, err := l.remote.Run(ctx, m, cmd, l.opts.InitTimeout)
	if err != nil {
		return fmt.Errorf("run init script: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("init script exited %d: %s", code, out)
	}
	return nil
}

func (l *Loop) writeSSHConfig() error {
	active, err := l.db.ListActiveMachines("")
	if err != nil {
		return err
	}
	user := l.opts.SSHUser
	if user == "" {
		user = "ubuntu"
	}
	return sshconfig.Write(l.opts.SSHConfig, sshconfig.Entries(active, user, l.opts.KeyPath))
}
