// Package sqlite provides the SQLite-backed state store for gpugov.
// Uses WAL mode so report reads never block behind a reconciliation write.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DB wraps a SQLite connection with WAL mode and migrations. A DB handed to
// a WithTx callback routes every call through the open transaction.
type DB struct {
	db *sql.DB
	q  queryer
	tx bool
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, q: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// WithTx runs fn inside a single transaction. Calls nested inside an
// existing transaction reuse it.
func (d *DB) WithTx(fn func(tx *DB) error) error {
	if d.tx {
		return fn(d)
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&DB{db: d.db, q: tx, tx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS machines (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			hostname          TEXT NOT NULL DEFAULT '',
			ip                TEXT NOT NULL DEFAULT '',
			private_ip        TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			region            TEXT NOT NULL DEFAULT '',
			instance_type     TEXT NOT NULL DEFAULT '',
			gpu_count         INTEGER NOT NULL DEFAULT 0,
			hourly_cost_cents INTEGER NOT NULL DEFAULT 0,
			ssh_key_names     TEXT NOT NULL DEFAULT '[]',
			account           TEXT NOT NULL DEFAULT '',
			allowlisted       BOOLEAN NOT NULL DEFAULT 0,
			first_seen        INTEGER NOT NULL,
			last_seen         INTEGER NOT NULL,
			initialized       BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_status ON machines(status, account)`,

		`CREATE TABLE IF NOT EXISTS gpu_samples (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL REFERENCES machines(id),
			gpu_index   INTEGER NOT NULL DEFAULT 0,
			utilization INTEGER NOT NULL,
			timestamp   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gpu_samples_instance_time ON gpu_samples(instance_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_gpu_samples_time ON gpu_samples(timestamp)`,

		`CREATE TABLE IF NOT EXISTS disk_samples (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL REFERENCES machines(id),
			mount       TEXT NOT NULL DEFAULT '/',
			total_bytes INTEGER NOT NULL,
			used_bytes  INTEGER NOT NULL,
			timestamp   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_disk_samples_instance_time ON disk_samples(instance_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS key_costs (
			ssh_key      TEXT PRIMARY KEY,
			total_cents  INTEGER NOT NULL DEFAULT 0,
			last_updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS account_costs (
			account      TEXT PRIMARY KEY,
			total_cents  INTEGER NOT NULL DEFAULT 0,
			last_updated INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			scope               TEXT NOT NULL,
			identity            TEXT NOT NULL,
			last_notified_cents INTEGER NOT NULL DEFAULT 0,
			updated_at          INTEGER NOT NULL,
			PRIMARY KEY (scope, identity)
		)`,

		`CREATE TABLE IF NOT EXISTS availability (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_type TEXT NOT NULL,
			region        TEXT NOT NULL,
			timestamp     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_availability_time ON availability(timestamp)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Meta ───────────────────────────────────────────────────────────────────

// SetMeta stores a key-value pair, e.g. the last run time of a check.
func (d *DB) SetMeta(key, value string) error {
	_, err := d.q.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetMeta retrieves a value from meta, "" when unset.
func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.q.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func unixOrNow(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().Unix()
	}
	return t.Unix()
}
