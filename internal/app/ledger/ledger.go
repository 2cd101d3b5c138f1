// Package ledger accrues per-minute machine cost into the key and account
// ledgers and builds the advisory usage view from sample history.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/logging"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
)

// UnattributedKey labels usage from machines without an ownership key.
const UnattributedKey = "(none)"

// DefaultAccount labels usage from machines with no recorded account.
const DefaultAccount = "default"

// Store is the subset of the state store the ledger needs.
type Store interface {
	AddCost(key, account string, cents int64, at time.Time) error
	Costs(scope domain.Scope) ([]domain.CostEntry, error)
	ListMachines() ([]domain.Machine, error)
	SampleMinutesSince(since time.Time) ([]domain.SampleMinute, error)
}

// Service manages cost accrual.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a ledger service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// AccrueResult summarizes one accrual tick.
type AccrueResult struct {
	Machines int   `json:"machines"`
	Cents    int64 `json:"cents"`
	Failed   int   `json:"failed"`
}

// MinuteCost is the whole-cent charge for one minute at an hourly price.
func MinuteCost(hourlyCents int64) int64 {
	return hourlyCents / 60
}

// Accrue charges one minute of runtime for every active, priced machine.
// The charge goes to the machine's primary key and to its account.
func (s *Service) Accrue(machines []domain.Machine, log *logrus.Entry) AccrueResult {
	if log == nil {
		log = logging.For("ledger")
	}
	at := s.now()
	var res AccrueResult
	for i := range machines {
		m := &machines[i]
		if !m.IsActive() || m.HourlyCents <= 0 {
			continue
		}
		cents := MinuteCost(m.HourlyCents)
		if cents == 0 {
			continue
		}
		if err := s.store.AddCost(m.PrimaryKey(), m.Account, cents, at); err != nil {
			res.Failed++
			log.WithFields(logrus.Fields{"machine": m.DisplayName(), "account": m.Account}).
				WithError(err).Error("accrue cost failed")
			continue
		}
		res.Machines++
		res.Cents += cents
		metrics.CostAccrued.WithLabelValues(m.Account).Add(float64(cents))
	}
	return res
}

// Totals returns the ledger for a scope and refreshes the ledger gauge.
func (s *Service) Totals(scope domain.Scope) ([]domain.CostEntry, error) {
	entries, err := s.store.Costs(scope)
	if err != nil {
		return nil, fmt.Errorf("read %s ledger: %w", scope, err)
	}
	for _, e := range entries {
		metrics.LedgerTotal.WithLabelValues(string(scope), e.Identity).Set(float64(e.TotalCents))
	}
	return entries, nil
}

// UsageSince estimates spend since a point in time from sampled minutes:
// each distinct (machine, timestamp) pair counts as one minute, charged at
// MinuteCost like the ledger so the view never exceeds the ledger total. The result is grouped by scope and never written
// to the ledger.
func (s *Service) UsageSince(since time.Time, by domain.Scope) ([]domain.Usage, error) {
	if by != domain.ScopeKey && by != domain.ScopeAccount {
		return nil, fmt.Errorf("unknown scope %q", by)
	}
	minutes, err := s.store.SampleMinutesSince(since)
	if err != nil {
		return nil, fmt.Errorf("read sample minutes: %w", err)
	}
	machines, err := s.store.ListMachines()
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	byID := make(map[string]*domain.Machine, len(machines))
	for i := range machines {
		byID[machines[i].ID] = &machines[i]
	}

	perMachine := make(map[string]int)
	for _, sm := range minutes {
		perMachine[sm.MachineID]++
	}

	groups := make(map[string]*domain.Usage)
	for id, n := range perMachine {
		m, ok := byID[id]
		if !ok {
			continue
		}
		ident := identity(m, by)
		u, ok := groups[ident]
		if !ok {
			u = &domain.Usage{Identity: ident, Machines: make(map[string]float64)}
			groups[ident] = u
		}
		hours := float64(n) / 60
		u.Hours += hours
		u.CostCents += float64(int64(n) * MinuteCost(m.HourlyCents))
		u.Machines[m.DisplayName()] += hours
	}

	out := make([]domain.Usage, 0, len(groups))
	for _, u := range groups {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostCents != out[j].CostCents {
			return out[i].CostCents > out[j].CostCents
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

func identity(m *domain.Machine, by domain.Scope) string {
	if by == domain.ScopeKey {
		if k := m.PrimaryKey(); k != "" {
			return k
		}
		return UnattributedKey
	}
	if m.Account != "" {
		return m.Account
	}
	return DefaultAccount
}
