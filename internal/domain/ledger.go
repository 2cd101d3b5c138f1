package domain

import (
	"fmt"
	"time"
)

// Scope distinguishes the two independent attribution dimensions.
type Scope string

const (
	ScopeKey     Scope = "key"
	ScopeAccount Scope = "account"
)

// CostEntry is the running total for one attribution identity.
type CostEntry struct {
	Scope       Scope     `json:"scope"`
	Identity    string    `json:"identity"`
	TotalCents  int64     `json:"total_cents"`
	LastUpdated time.Time `json:"last_updated"`
}

// NotificationState is the last cost level an alert was sent at.
type NotificationState struct {
	Scope        Scope     `json:"scope"`
	Identity     string    `json:"identity"`
	LastNotified int64     `json:"last_notified_cents"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Usage is the advisory "usage since T" view for one identity.
type Usage struct {
	Identity  string             `json:"identity"`
	CostCents float64            `json:"cost_cents"`
	Hours     float64            `json:"hours"`
	Machines  map[string]float64 `json:"machines"` // display name -> hours
}

// FormatMoney renders cents as a dollar amount, e.g. 123456 -> "$1,234.56".
func FormatMoney(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	dollars := cents / 100
	rem := cents % 100

	s := fmt.Sprintf("%d", dollars)
	out := make([]byte, 0, len(s)+len(s)/3)
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return fmt.Sprintf("%s$%s.%02d", sign, out, rem)
}
