package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
)

// ─── Machine Repository ─────────────────────────────────────────────────────

const machineColumns = `id, name, hostname, ip, private_ip, status, region, instance_type,
	gpu_count, hourly_cost_cents, ssh_key_names, account, allowlisted,
	first_seen, last_seen, initialized`

// UpsertMachine records the latest provider observation of a machine.
// first_seen, initialized and allowlisted survive every refresh; all other
// fields are overwritten.
func (d *DB) UpsertMachine(m domain.Machine) error {
	keys, err := encodeKeys(m.SSHKeys)
	if err != nil {
		return err
	}

	lastSeen := unixOrNow(m.LastSeen)
	firstSeen := lastSeen
	if !m.FirstSeen.IsZero() {
		firstSeen = m.FirstSeen.Unix()
	}

	_, err = d.q.Exec(
		`INSERT INTO machines (`+machineColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			hostname=excluded.hostname,
			ip=excluded.ip,
			private_ip=excluded.private_ip,
			status=excluded.status,
			region=excluded.region,
			instance_type=excluded.instance_type,
			gpu_count=excluded.gpu_count,
			hourly_cost_cents=excluded.hourly_cost_cents,
			ssh_key_names=excluded.ssh_key_names,
			account=excluded.account,
			last_seen=excluded.last_seen`,
		m.ID, m.Name, m.Hostname, m.IP, m.PrivateIP, string(m.Status),
		m.Region, m.InstanceType, m.GPUCount, m.HourlyCents, keys,
		m.Account, m.Allowlisted, firstSeen, lastSeen, m.Initialized,
	)
	if err != nil {
		return fmt.Errorf("upsert machine %s: %w", m.ID, err)
	}
	return nil
}

// GetMachine retrieves a single machine by id. Returns nil, nil when absent.
func (d *DB) GetMachine(id string) (*domain.Machine, error) {
	row := d.q.QueryRow(`SELECT `+machineColumns+` FROM machines WHERE id = ?`, id)
	return scanMachine(row)
}

// ListMachines returns every known machine, terminated ones included.
func (d *DB) ListMachines() ([]domain.Machine, error) {
	return d.queryMachines(`SELECT ` + machineColumns + ` FROM machines ORDER BY first_seen`)
}

// ListActiveMachines returns active machines, optionally for one account.
func (d *DB) ListActiveMachines(account string) ([]domain.Machine, error) {
	if account == "" {
		return d.queryMachines(
			`SELECT `+machineColumns+` FROM machines WHERE status = ? ORDER BY first_seen`,
			string(domain.StatusActive))
	}
	return d.queryMachines(
		`SELECT `+machineColumns+` FROM machines WHERE status = ? AND account = ? ORDER BY first_seen`,
		string(domain.StatusActive), account)
}

// ListUninitializedMachines returns active machines whose init script has
// not completed yet.
func (d *DB) ListUninitializedMachines(account string) ([]domain.Machine, error) {
	if account == "" {
		return d.queryMachines(
			`SELECT `+machineColumns+` FROM machines WHERE status = ? AND initialized = 0 ORDER BY first_seen`,
			string(domain.StatusActive))
	}
	return d.queryMachines(
		`SELECT `+machineColumns+` FROM machines WHERE status = ? AND initialized = 0 AND account = ? ORDER BY first_seen`,
		string(domain.StatusActive), account)
}

// MarkInitialized flags a machine's init script as completed.
func (d *DB) MarkInitialized(id string) error {
	return d.updateMachine(`UPDATE machines SET initialized = 1 WHERE id = ?`, id)
}

// SetAllowlisted sets the explicit reclamation exemption for a machine.
func (d *DB) SetAllowlisted(id string, allowlisted bool) error {
	return d.updateMachine(`UPDATE machines SET allowlisted = ? WHERE id = ?`, allowlisted, id)
}

// MarkMissing moves active machines of an account that the provider no
// longer lists to terminated. Returns how many changed.
func (d *DB) MarkMissing(account string, seen []string, at time.Time) (int64, error) {
	active, err := d.ListActiveMachines(account)
	if err != nil {
		return 0, err
	}
	present := make(map[string]bool, len(seen))
	for _, id := range seen {
		present[id] = true
	}

	var n int64
	for _, m := range active {
		if present[m.ID] {
			continue
		}
		if _, err := d.q.Exec(
			`UPDATE machines SET status = ?, last_seen = ? WHERE id = ?`,
			string(domain.StatusTerminated), at.Unix(), m.ID,
		); err != nil {
			return n, fmt.Errorf("mark %s terminated: %w", m.ID, err)
		}
		n++
	}
	return n, nil
}

func (d *DB) updateMachine(query string, args ...any) error {
	result, err := d.q.Exec(query, args...)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrMachineNotFound
	}
	return nil
}

func (d *DB) queryMachines(query string, args ...any) ([]domain.Machine, error) {
	rows, err := d.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

func scanMachine(s scanner) (*domain.Machine, error) {
	var m domain.Machine
	var status, keys string
	var firstSeen, lastSeen int64

	err := s.Scan(&m.ID, &m.Name, &m.Hostname, &m.IP, &m.PrivateIP, &status,
		&m.Region, &m.InstanceType, &m.GPUCount, &m.HourlyCents, &keys,
		&m.Account, &m.Allowlisted, &firstSeen, &lastSeen, &m.Initialized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Status = domain.MachineStatus(status)
	m.FirstSeen = unixOrZero(firstSeen)
	m.LastSeen = unixOrZero(lastSeen)
	m.SSHKeys = decodeKeys(keys)
	return &m, nil
}

// Ownership keys are stored as a JSON array and always surface as []string.
func encodeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode ssh keys: %w", err)
	}
	return string(b), nil
}

func decodeKeys(raw string) []string {
	var keys []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		// Legacy rows may hold a bare key name.
		return []string{raw}
	}
	return keys
}
