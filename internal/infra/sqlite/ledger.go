package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
)

// ─── Cost Ledger ────────────────────────────────────────────────────────────

// AddCost increments the key ledger and the account ledger by cents in one
// transaction. An empty identity skips that dimension.
func (d *DB) AddCost(key, account string, cents int64, at time.Time) error {
	if cents < 0 {
		return fmt.Errorf("cost increment must be non-negative, got %d", cents)
	}
	ts := unixOrNow(at)
	return d.WithTx(func(tx *DB) error {
		if key != "" {
			if _, err := tx.q.Exec(
				`INSERT INTO key_costs (ssh_key, total_cents, last_updated) VALUES (?, ?, ?)
				 ON CONFLICT(ssh_key) DO UPDATE SET
					total_cents = total_cents + excluded.total_cents,
					last_updated = excluded.last_updated`,
				key, cents, ts,
			); err != nil {
				return fmt.Errorf("add key cost %s: %w", key, err)
			}
		}
		if account != "" {
			if _, err := tx.q.Exec(
				`INSERT INTO account_costs (account, total_cents, last_updated) VALUES (?, ?, ?)
				 ON CONFLICT(account) DO UPDATE SET
					total_cents = total_cents + excluded.total_cents,
					last_updated = excluded.last_updated`,
				account, cents, ts,
			); err != nil {
				return fmt.Errorf("add account cost %s: %w", account, err)
			}
		}
		return nil
	})
}

// Cost returns the running total for one identity, 0 if never charged.
func (d *DB) Cost(scope domain.Scope, identity string) (int64, error) {
	table, col, err := costTable(scope)
	if err != nil {
		return 0, err
	}
	var total int64
	err = d.q.QueryRow(`SELECT total_cents FROM `+table+` WHERE `+col+` = ?`, identity).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return total, err
}

// KeyCost returns the running total for an ownership key.
func (d *DB) KeyCost(key string) (int64, error) {
	return d.Cost(domain.ScopeKey, key)
}

// AccountCost returns the running total for an account.
func (d *DB) AccountCost(account string) (int64, error) {
	return d.Cost(domain.ScopeAccount, account)
}

// Costs returns every ledger entry of a scope, highest total first.
func (d *DB) Costs(scope domain.Scope) ([]domain.CostEntry, error) {
	table, col, err := costTable(scope)
	if err != nil {
		return nil, err
	}
	rows, err := d.q.Query(
		`SELECT ` + col + `, total_cents, last_updated FROM ` + table + ` ORDER BY total_cents DESC, ` + col,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.CostEntry
	for rows.Next() {
		e := domain.CostEntry{Scope: scope}
		var ts int64
		if err := rows.Scan(&e.Identity, &e.TotalCents, &ts); err != nil {
			return nil, err
		}
		e.LastUpdated = unixOrZero(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResetCost zeroes a ledger entry and forgets its notification level. This
// is the only path that lowers a running total.
func (d *DB) ResetCost(scope domain.Scope, identity string, at time.Time) error {
	table, col, err := costTable(scope)
	if err != nil {
		return err
	}
	return d.WithTx(func(tx *DB) error {
		if _, err := tx.q.Exec(
			`UPDATE `+table+` SET total_cents = 0, last_updated = ? WHERE `+col+` = ?`,
			unixOrNow(at), identity,
		); err != nil {
			return fmt.Errorf("reset %s %s: %w", scope, identity, err)
		}
		_, err := tx.q.Exec(`DELETE FROM notifications WHERE scope = ? AND identity = ?`, string(scope), identity)
		return err
	})
}

// ─── Notification State ─────────────────────────────────────────────────────

// NotificationLevel returns the cost level of the last alert sent for an
// identity, 0 if none.
func (d *DB) NotificationLevel(scope domain.Scope, identity string) (int64, error) {
	var level int64
	err := d.q.QueryRow(
		`SELECT last_notified_cents FROM notifications WHERE scope = ? AND identity = ?`,
		string(scope), identity,
	).Scan(&level)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return level, err
}

// SetNotificationLevel records the cost level an alert was sent at.
func (d *DB) SetNotificationLevel(scope domain.Scope, identity string, cents int64, at time.Time) error {
	_, err := d.q.Exec(
		`INSERT INTO notifications (scope, identity, last_notified_cents, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, identity) DO UPDATE SET
			last_notified_cents = excluded.last_notified_cents,
			updated_at = excluded.updated_at`,
		string(scope), identity, cents, unixOrNow(at),
	)
	return err
}

// NotificationStates lists every recorded notification level.
func (d *DB) NotificationStates() ([]domain.NotificationState, error) {
	rows, err := d.q.Query(
		`SELECT scope, identity, last_notified_cents, updated_at FROM notifications ORDER BY scope, identity`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.NotificationState
	for rows.Next() {
		var s domain.NotificationState
		var scope string
		var ts int64
		if err := rows.Scan(&scope, &s.Identity, &s.LastNotified, &ts); err != nil {
			return nil, err
		}
		s.Scope = domain.Scope(scope)
		s.UpdatedAt = unixOrZero(ts)
		states = append(states, s)
	}
	return states, rows.Err()
}

func costTable(scope domain.Scope) (table, col string, err error) {
	switch scope {
	case domain.ScopeKey:
		return "key_costs", "ssh_key", nil
	case domain.ScopeAccount:
		return "account_costs", "account", nil
	default:
		return "", "", fmt.Errorf("unknown ledger scope %q", scope)
	}
}
