package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	alias              TEXT NOT NULL DEFAULT '',
	hostname           TEXT NOT NULL DEFAULT '',
	ip_address         TEXT NOT NULL UNIQUE,
	port               INTEGER NOT NULL DEFAULT 22,
	protocol           TEXT NOT NULL DEFAULT 'ssh',
	username           TEXT NOT NULL DEFAULT '',
	password           TEXT NOT NULL DEFAULT '',
	enable_password    TEXT NOT NULL DEFAULT '',
	device_type        TEXT NOT NULL DEFAULT 'cisco_ios',
	backup_command     TEXT NOT NULL DEFAULT 'show running-config',
	is_active          INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	last_backup_at     DATETIME,
	last_backup_status TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS backup_tasks (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id       INTEGER NOT NULL REFERENCES devices(id),
	submitter_id    INTEGER NOT NULL DEFAULT 0,
	task_type       TEXT NOT NULL DEFAULT 'manual',
	status          TEXT NOT NULL DEFAULT 'pending',
	command         TEXT NOT NULL DEFAULT '',
	artifact_path   TEXT NOT NULL DEFAULT '',
	artifact_size   INTEGER NOT NULL DEFAULT 0,
	artifact_sha256 TEXT NOT NULL DEFAULT '',
	started_at      DATETIME,
	completed_at    DATETIME,
	created_at      DATETIME NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3
);
CREATE INDEX IF NOT EXISTS idx_backup_tasks_device ON backup_tasks(device_id);
CREATE INDEX IF NOT EXISTS idx_backup_tasks_status ON backup_tasks(status);

CREATE TABLE IF NOT EXISTS backup_logs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id   INTEGER NOT NULL REFERENCES backup_tasks(id) ON DELETE CASCADE,
	level     TEXT NOT NULL DEFAULT 'info',
	message   TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backup_logs_task ON backup_logs(task_id);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	task_type        TEXT NOT NULL DEFAULT 'scheduled',
	frequency_type   TEXT NOT NULL DEFAULT 'daily',
	cron_expression  TEXT NOT NULL DEFAULT '',
	frequency_config TEXT NOT NULL DEFAULT '{}',
	device_ids       TEXT NOT NULL DEFAULT '[]',
	backup_command   TEXT NOT NULL DEFAULT '',
	is_active        INTEGER NOT NULL DEFAULT 1,
	created_by       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	last_run_at      DATETIME,
	next_run_at      DATETIME
);

CREATE TABLE IF NOT EXISTS task_executions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	scheduled_task_id INTEGER NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
	status            TEXT NOT NULL DEFAULT 'running',
	started_at        DATETIME,
	completed_at      DATETIME,
	result_summary    TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	execution_log     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_executions_schedule ON task_executions(scheduled_task_id);

CREATE TABLE IF NOT EXISTS system_configs (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
`

// Store is the durable record of devices, backup tasks, task logs, and
// recurring schedules, backed by a single SQLite file
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the task database at path and applies
// the schema
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer keeps SQLITE_BUSY out of the hot path
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// GetConfig reads a system config value, "" when unset
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM system_configs WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a system config value
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_configs (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}
