// Package health runs the daemon's self checks: the state store is
// reachable, the ssh keys directory is readable and at least one account is
// configured.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a checker. accounts reports how many usable accounts
// are configured right now.
func NewChecker(db *sqlite.DB, keysDir string, accounts func() int) *Checker {
	return &Checker{
		interval: 60 * time.Second,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "ssh_keys",
				CheckFn: func(ctx context.Context) error {
					return checkKeysDir(keysDir)
				},
			},
			{
				Name: "accounts",
				CheckFn: func(ctx context.Context) error {
					if accounts == nil || accounts() == 0 {
						return domain.ErrNoAccounts
					}
					return nil
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check now and returns the results.
func (c *Checker) RunOnce(ctx context.Context) []Status {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			if check.RecoverFn != nil {
				_ = check.RecoverFn(ctx)
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
	return statuses
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkKeysDir(dir string) error {
	if dir == "" {
		return nil // default key only
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("ssh keys dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ssh keys path %s is not a directory", dir)
	}
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("ssh keys dir unreadable: %w", err)
	}
	return f.Close()
}
