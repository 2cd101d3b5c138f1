package sqlite

import (
	"fmt"
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
)

// ─── Availability History ───────────────────────────────────────────────────

// RecordAvailability notes every region an instance type had capacity in.
func (d *DB) RecordAvailability(instanceType string, regions []string, at time.Time) error {
	ts := unixOrNow(at)
	return d.WithTx(func(tx *DB) error {
		for _, region := range regions {
			if _, err := tx.q.Exec(
				`INSERT INTO availability (instance_type, region, timestamp) VALUES (?, ?, ?)`,
				instanceType, region, ts,
			); err != nil {
				return fmt.Errorf("record availability %s/%s: %w", instanceType, region, err)
			}
		}
		return nil
	})
}

// AvailabilitySince returns records strictly newer than since, oldest first.
func (d *DB) AvailabilitySince(since time.Time) ([]domain.AvailabilityRecord, error) {
	rows, err := d.q.Query(
		`SELECT instance_type, region, timestamp FROM availability
		 WHERE timestamp > ? ORDER BY timestamp`,
		since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.AvailabilityRecord
	for rows.Next() {
		var r domain.AvailabilityRecord
		var ts int64
		if err := rows.Scan(&r.InstanceType, &r.Region, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(ts, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// PruneAvailability deletes records strictly older than cutoff.
func (d *DB) PruneAvailability(cutoff time.Time) (int64, error) {
	res, err := d.q.Exec(`DELETE FROM availability WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
