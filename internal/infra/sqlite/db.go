// Package sqlite provides SQLite-based persistent storage for Chronos.
// Uses WAL mode with synchronous=FULL so a committed status transition
// survives a crash.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/industriverse/chronos/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db  *sql.DB
	now func() time.Time // injectable clock for testing
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, full fsync, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Single writer: the scheduler and its executor callbacks share one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now}
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

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Task store. rowid doubles as the insertion sequence.
		`CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			type             TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			dependencies     TEXT NOT NULL DEFAULT '[]',
			capsule_source   TEXT NOT NULL DEFAULT '',
			eligible_at      INTEGER NOT NULL,
			priority         INTEGER NOT NULL DEFAULT 2,
			negentropy       REAL NOT NULL DEFAULT 0,
			max_bid          REAL NOT NULL DEFAULT 0,
			hydration_cost   REAL NOT NULL DEFAULT 0,
			healing_policy   TEXT NOT NULL DEFAULT '',
			log              TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			started_at       INTEGER,
			completed_at     INTEGER,
			defer_count      INTEGER NOT NULL DEFAULT 0,
			attempts         INTEGER NOT NULL DEFAULT 0,
			lease_expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(status, eligible_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(status, lease_expires_at)`,

		// Trade ledger, append-only
		`CREATE TABLE IF NOT EXISTS trade_ledger (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			timestamp INTEGER NOT NULL,
			task_id   TEXT NOT NULL,
			task_name TEXT NOT NULL,
			profit    REAL NOT NULL,
			balance   REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_ts ON trade_ledger(timestamp)`,

		// Capsule registry: (dac, service) → storage location + proof
		`CREATE TABLE IF NOT EXISTS capsule_registry (
			dac_id     TEXT NOT NULL,
			service    TEXT NOT NULL,
			location   TEXT NOT NULL,
			signer     TEXT NOT NULL DEFAULT '',
			proof      TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (dac_id, service)
		)`,

		// Small key-value settings (active persona, etc.)
		`CREATE TABLE IF NOT EXISTS settings (
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

// ─── Settings ───────────────────────────────────────────────────────────────

// SetSetting stores a key-value pair.
func (d *DB) SetSetting(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	if err != nil {
		return persistErr("set setting "+key, err)
	}
	return nil
}

// GetSetting retrieves a value. Returns "" if the key is not set.
func (d *DB) GetSetting(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", persistErr("get setting "+key, err)
	}
	return value, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// persistErr marks a driver error as an unrecoverable store failure.
func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64)
}
