// Package status assembles the per-machine status report shared by the CLI
// and the HTTP API.
package status

import (
	"fmt"
	"sort"

	"github.com/tutu-network/gpugov/internal/app/idle"
	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

// Row is one active machine in the report.
type Row struct {
	Machine    domain.Machine     `json:"machine"`
	Label      string             `json:"label"`
	Key        string             `json:"key"`
	KeyCost    int64              `json:"key_cost_cents"`
	Evaluation idle.Evaluation    `json:"evaluation"`
	Disk       *domain.DiskSample `json:"disk,omitempty"`
}

// Build evaluates every active machine, grouped by account then name.
func Build(db *sqlite.DB, reaper *idle.Reaper) ([]Row, error) {
	machines, err := db.ListActiveMachines("")
	if err != nil {
		return nil, fmt.Errorf("list active machines: %w", err)
	}
	sort.SliceStable(machines, func(i, j int) bool {
		if machines[i].Account != machines[j].Account {
			return machines[i].Account < machines[j].Account
		}
		return machines[i].DisplayName() < machines[j].DisplayName()
	})

	rows := make([]Row, 0, len(machines))
	for i := range machines {
		row, err := BuildRow(db, reaper, &machines[i])
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// BuildRow evaluates a single machine.
func BuildRow(db *sqlite.DB, reaper *idle.Reaper, m *domain.Machine) (Row, error) {
	ev, err := reaper.Evaluate(m)
	if err != nil {
		return Row{}, err
	}
	row := Row{
		Machine:    *m,
		Label:      idle.Label(ev, reaper.Policy()),
		Key:        m.PrimaryKey(),
		Evaluation: ev,
	}
	if row.Key != "" {
		if row.KeyCost, err = db.KeyCost(row.Key); err != nil {
			return Row{}, fmt.Errorf("key cost %s: %w", row.Key, err)
		}
	}
	if row.Disk, err = db.LatestDiskSample(m.ID); err != nil {
		return Row{}, fmt.Errorf("disk sample %s: %w", m.ID, err)
	}
	return row, nil
}
