package sqlite

import (
	"fmt"
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
)

// ─── Utilization Samples ────────────────────────────────────────────────────

// InsertUtilizationSamples appends one reading per accelerator, all stamped
// with the same capture time. Index i of utils is GPU i.
func (d *DB) InsertUtilizationSamples(machineID string, utils []int, at time.Time) error {
	if len(utils) == 0 {
		return nil
	}
	ts := unixOrNow(at)
	return d.WithTx(func(tx *DB) error {
		for i, u := range utils {
			if _, err := tx.q.Exec(
				`INSERT INTO gpu_samples (instance_id, gpu_index, utilization, timestamp) VALUES (?, ?, ?, ?)`,
				machineID, i, u, ts,
			); err != nil {
				return fmt.Errorf("insert gpu sample %s/%d: %w", machineID, i, err)
			}
		}
		return nil
	})
}

// InsertUtilizationSample appends a single reading.
func (d *DB) InsertUtilizationSample(s domain.UtilizationSample) error {
	_, err := d.q.Exec(
		`INSERT INTO gpu_samples (instance_id, gpu_index, utilization, timestamp) VALUES (?, ?, ?, ?)`,
		s.MachineID, s.GPUIndex, s.Utilization, unixOrNow(s.Timestamp),
	)
	return err
}

// UtilizationSamplesSince returns samples strictly newer than since, oldest
// first.
func (d *DB) UtilizationSamplesSince(machineID string, since time.Time) ([]domain.UtilizationSample, error) {
	rows, err := d.q.Query(
		`SELECT instance_id, gpu_index, utilization, timestamp
		 FROM gpu_samples WHERE instance_id = ? AND timestamp > ?
		 ORDER BY timestamp, gpu_index`,
		machineID, since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.UtilizationSample
	for rows.Next() {
		var s domain.UtilizationSample
		var ts int64
		if err := rows.Scan(&s.MachineID, &s.GPUIndex, &s.Utilization, &ts); err != nil {
			return nil, err
		}
		s.Timestamp = time.Unix(ts, 0)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// SampleMinutesSince returns each distinct (machine, capture time) pair newer
// than since. One pair stands for roughly one minute of observed runtime.
func (d *DB) SampleMinutesSince(since time.Time) ([]domain.SampleMinute, error) {
	rows, err := d.q.Query(
		`SELECT DISTINCT instance_id, timestamp FROM gpu_samples
		 WHERE timestamp > ? ORDER BY instance_id, timestamp`,
		since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SampleMinute
	for rows.Next() {
		var sm domain.SampleMinute
		var ts int64
		if err := rows.Scan(&sm.MachineID, &ts); err != nil {
			return nil, err
		}
		sm.Timestamp = time.Unix(ts, 0)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// ─── Disk Samples ───────────────────────────────────────────────────────────

// InsertDiskSample appends a filesystem usage reading.
func (d *DB) InsertDiskSample(s domain.DiskSample) error {
	mount := s.Mount
	if mount == "" {
		mount = "/"
	}
	_, err := d.q.Exec(
		`INSERT INTO disk_samples (instance_id, mount, total_bytes, used_bytes, timestamp) VALUES (?, ?, ?, ?, ?)`,
		s.MachineID, mount, s.TotalBytes, s.UsedBytes, unixOrNow(s.Timestamp),
	)
	return err
}

// DiskSamplesSince returns disk samples strictly newer than since, oldest
// first.
func (d *DB) DiskSamplesSince(machineID string, since time.Time) ([]domain.DiskSample, error) {
	rows, err := d.q.Query(
		`SELECT instance_id, mount, total_bytes, used_bytes, timestamp
		 FROM disk_samples WHERE instance_id = ? AND timestamp > ?
		 ORDER BY timestamp`,
		machineID, since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.DiskSample
	for rows.Next() {
		var s domain.DiskSample
		var ts int64
		if err := rows.Scan(&s.MachineID, &s.Mount, &s.TotalBytes, &s.UsedBytes, &ts); err != nil {
			return nil, err
		}
		s.Timestamp = time.Unix(ts, 0)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// LatestDiskSample returns the newest disk sample, nil when none exist.
func (d *DB) LatestDiskSample(machineID string) (*domain.DiskSample, error) {
	samples, err := d.q.Query(
		`SELECT instance_id, mount, total_bytes, used_bytes, timestamp
		 FROM disk_samples WHERE instance_id = ? ORDER BY timestamp DESC LIMIT 1`,
		machineID,
	)
	if err != nil {
		return nil, err
	}
	defer samples.Close()

	if !samples.Next() {
		return nil, samples.Err()
	}
	var s domain.DiskSample
	var ts int64
	if err := samples.Scan(&s.MachineID, &s.Mount, &s.TotalBytes, &s.UsedBytes, &ts); err != nil {
		return nil, err
	}
	s.Timestamp = time.Unix(ts, 0)
	return &s, nil
}

// ─── Retention ──────────────────────────────────────────────────────────────

// PruneSamples deletes utilization and disk samples strictly older than
// cutoff. Anything at or after cutoff is never touched.
func (d *DB) PruneSamples(cutoff time.Time) (int64, error) {
	var total int64
	err := d.WithTx(func(tx *DB) error {
		for _, table := range []string{"gpu_samples", "disk_samples"} {
			res, err := tx.q.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, cutoff.Unix())
			if err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}
