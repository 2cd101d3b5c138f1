package domain

const (
	DefaultLimitCents        int64 = 500000
	DefaultMilestoneInterval int64 = 100000
)

// Budget is the resolved spending policy for one attribution identity.
type Budget struct {
	Scope             Scope  `json:"scope"`
	Identity          string `json:"identity"`
	LimitCents        int64  `json:"limit_cents"`
	UsesDefaultLimit  bool   `json:"uses_default_limit"`
	MilestoneInterval int64  `json:"milestone_interval"`
	Webhook           string `json:"-"`
}

// Milestone floors total to the budget's milestone interval.
func (b Budget) Milestone(total int64) int64 {
	if b.MilestoneInterval <= 0 || total <= 0 {
		return 0
	}
	return (total / b.MilestoneInterval) * b.MilestoneInterval
}

// Over reports whether total exceeds the limit.
func (b Budget) Over(total int64) bool {
	return total > b.LimitCents
}

// AlertKind labels a budget notification.
type AlertKind string

const (
	AlertMilestone  AlertKind = "milestone"
	AlertOverBudget AlertKind = "over_budget"
)

// Alert is the structured message handed to a notification sink.
type Alert struct {
	Kind       AlertKind
	Scope      Scope
	Identity   string
	SpentCents int64
	LimitCents int64
	Milestone  int64
	OverBudget bool
}
