package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/gpugov/internal/accounts"
	"github.com/tutu-network/gpugov/internal/api"
	"github.com/tutu-network/gpugov/internal/app/availability"
	"github.com/tutu-network/gpugov/internal/app/budget"
	"github.com/tutu-network/gpugov/internal/app/idle"
	"github.com/tutu-network/gpugov/internal/app/ledger"
	"github.com/tutu-network/gpugov/internal/app/reconcile"
	"github.com/tutu-network/gpugov/internal/app/sampler"
	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/health"
	"github.com/tutu-network/gpugov/internal/infra/lambda"
	"github.com/tutu-network/gpugov/internal/infra/logging"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
	"github.com/tutu-network/gpugov/internal/infra/notify"
	"github.com/tutu-network/gpugov/internal/infra/remote"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

// Daemon is the gpugov runtime. It wires together all services.
type Daemon struct {
	Config Config
	Home   string
	DB     *sqlite.DB

	Provider *lambda.Client
	Remote   *remote.Runner
	Notifier *notify.Discord

	Sampler      *sampler.Sampler
	Ledger       *ledger.Service
	Reaper       *idle.Reaper
	Enforcer     *budget.Enforcer
	Loop         *reconcile.Loop
	Availability *availability.Service
	Health       *health.Checker
	Server       *api.Server

	// mu serializes checks so no two mutate state concurrently.
	mu        sync.Mutex
	logCloser io.Closer
	cancel    context.CancelFunc
	log       *logrus.Entry
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, gpugovHome())
}

// NewWithConfig creates a Daemon with the given configuration and home
// directory.
func NewWithConfig(cfg Config, home string) (*Daemon, error) {
	closer, err := logging.Setup(logging.Options{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	db, err := sqlite.Open(home)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	policy := cfg.IdlePolicy()
	provider := lambda.NewClient(cfg.LambdaOptions())
	runner := remote.NewRunner(remote.Options{
		User:           cfg.SSH.User,
		KeysDir:        cfg.SSH.KeysDir,
		DefaultKey:     cfg.SSH.DefaultKey,
		ConnectTimeout: parseDuration(cfg.SSH.ConnectTimeout, 10*time.Second),
	})
	notifier := notify.NewDiscord(10 * time.Second)

	smp := sampler.New(db, runner, parseDuration(cfg.SSH.CommandTimeout, 30*time.Second), cfg.SSH.DiskSamples)
	led := ledger.NewService(db)

	d := &Daemon{
		Config:       cfg,
		Home:         home,
		DB:           db,
		Provider:     provider,
		Remote:       runner,
		Notifier:     notifier,
		Sampler:      smp,
		Ledger:       led,
		Reaper:       idle.NewReaper(db, provider, policy),
		Enforcer:     budget.NewEnforcer(db, provider, notifier, policy.Markers),
		Availability: availability.New(db, provider),
		logCloser:    closer,
		log:          logging.For("daemon"),
	}
	d.Loop = reconcile.New(db, provider, runner, smp, led, reconcile.Options{
		InitScript:  cfg.SSH.InitScript,
		InitTimeout: parseDuration(cfg.SSH.InitTimeout, 300*time.Second),
		Retention:   parseDuration(cfg.Policy.Retention, 24*time.Hour),
		SSHConfig:   cfg.SSH.ConfigPath,
		SSHUser:     cfg.SSH.User,
		KeyPath:     runner.KeyPath,
	})
	d.Health = health.NewChecker(db, cfg.SSH.KeysDir, func() int {
		_, accts, err := d.Accounts()
		if err != nil {
			return 0
		}
		return len(accts)
	})
	d.Server = api.NewServer(db, d.Reaper, led, d.Health)
	if cfg.API.Metrics {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// AccountsPath is the accounts file location.
func (d *Daemon) AccountsPath() string {
	return filepath.Join(d.Home, accounts.FileName)
}

// Accounts reloads accounts.yaml so edits apply on the next pass. Invalid
// accounts are logged and left out.
func (d *Daemon) Accounts() (*accounts.File, []accounts.Resolved, error) {
	f, err := accounts.Load(d.AccountsPath())
	if err != nil {
		return nil, nil, err
	}
	if err := f.ValidateDefaults(); err != nil {
		d.log.WithError(err).Warn("invalid accounts defaults")
	}
	for name, problem := range f.Validate() {
		d.log.WithField("account", name).WithError(problem).Warn("skipping misconfigured account")
	}
	return f, f.Resolve(), nil
}

func credentials(accts []accounts.Resolved) map[string]string {
	out := make(map[string]string, len(accts))
	for _, a := range accts {
		out[a.Name] = a.APIKey
	}
	return out
}

// Reconcile runs one reconciliation pass over every account.
func (d *Daemon) Reconcile(ctx context.Context) (reconcile.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, accts, err := d.Accounts()
	if err != nil {
		return reconcile.Report{}, err
	}
	if len(accts) == 0 {
		return reconcile.Report{}, domain.ErrNoAccounts
	}
	list := make([]reconcile.Account, 0, len(accts))
	for _, a := range accts {
		list = append(list, reconcile.Account{Name: a.Name, APIKey: a.APIKey})
	}
	return d.Loop.Run(ctx, list), nil
}

// ReapIdle runs the idle evaluator over every active machine.
func (d *Daemon) ReapIdle(ctx context.Context, dryRun bool) (idle.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, accts, err := d.Accounts()
	if err != nil {
		return idle.Report{}, err
	}
	start := time.Now()
	rep, err := d.Reaper.Run(ctx, credentials(accts), dryRun, logging.For("idle"))
	metrics.Passes.WithLabelValues("idle", metrics.Result(err)).Inc()
	metrics.PassDuration.WithLabelValues("idle").Observe(time.Since(start).Seconds())
	return rep, err
}

// EnforceBudgets checks every account budget, plus key budgets when a key
// limit is configured.
func (d *Daemon) EnforceBudgets(ctx context.Context, dryRun bool) (budget.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, accts, err := d.Accounts()
	if err != nil {
		return budget.Report{}, err
	}
	budgets := make([]domain.Budget, 0, len(accts))
	webhooks := make(map[string]string, len(accts))
	for _, a := range accts {
		budgets = append(budgets, a.Budget)
		webhooks[a.Name] = a.Budget.Webhook
	}
	keyBudgets, err := budget.KeyBudgets(d.DB, d.Config.Policy.KeyLimitCents, f.Defaults.MilestoneInterval, webhooks)
	if err != nil {
		return budget.Report{}, err
	}
	budgets = append(budgets, keyBudgets...)

	start := time.Now()
	rep := d.Enforcer.Run(ctx, budgets, credentials(accts), dryRun, logging.For("budget"))
	result := "ok"
	if rep.Failed > 0 {
		result = "partial"
	}
	metrics.Passes.WithLabelValues("budget", result).Inc()
	metrics.PassDuration.WithLabelValues("budget").Observe(time.Since(start).Seconds())
	return rep, nil
}

// RecordAvailability snapshots instance-type capacity using the first
// configured account, then prunes history past retention.
func (d *Daemon) RecordAvailability(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, accts, err := d.Accounts()
	if err != nil {
		return 0, err
	}
	if len(accts) == 0 {
		return 0, domain.ErrNoAccounts
	}
	n, err := d.Availability.Record(ctx, accts[0].APIKey)
	metrics.Passes.WithLabelValues("availability", metrics.Result(err)).Inc()
	if err != nil {
		return n, err
	}
	// Availability history is kept for a week regardless of sample retention.
	if _, err := d.Availability.Prune(7 * 24 * time.Hour); err != nil {
		d.log.WithError(err).Warn("prune availability failed")
	}
	return n, nil
}

// Serve runs every check on its own ticker and serves the status API until
// the context is cancelled or a signal arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	sched := d.Config.Schedule
	checks := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"reconcile", parseDuration(sched.Reconcile, ReconcileInterval), func(ctx context.Context) error {
			_, err := d.Reconcile(ctx)
			return err
		}},
		{"idle", parseDuration(sched.Idle, 5*time.Minute), func(ctx context.Context) error {
			_, err := d.ReapIdle(ctx, false)
			return err
		}},
		{"budget", parseDuration(sched.Budget, 5*time.Minute), func(ctx context.Context) error {
			_, err := d.EnforceBudgets(ctx, false)
			return err
		}},
		{"availability", parseDuration(sched.Availability, 10*time.Minute), func(ctx context.Context) error {
			_, err := d.RecordAvailability(ctx)
			return err
		}},
	}

	var wg sync.WaitGroup
	for _, c := range checks {
		if c.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.every(ctx, c.name, c.interval, c.run)
		}()
	}

	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.log.WithField("addr", addr).Info("gpugov serving")
	err := httpServer.ListenAndServe()
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// every runs fn now and then on each tick. A failing run is logged and the
// schedule continues.
func (d *Daemon) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	log := d.log.WithField("check", name)
	run := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("check failed")
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}
