// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for the
// orchestration service: schema migrations plus typed accessors for jobs,
// artefacts, licenses, notification deliveries, and billing records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the row exists but is not in a state the
	// operation accepts, or a uniqueness rule was violated.
	ErrConflict = errors.New("conflict")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// users table
		`CREATE TABLE IF NOT EXISTS users (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  name     TEXT NOT NULL,
  email    TEXT NOT NULL,
  phone    TEXT NOT NULL DEFAULT '',
  language TEXT NOT NULL DEFAULT 'en-US'
);`,

		// jobs table
		`CREATE TABLE IF NOT EXISTS jobs (
  id                  TEXT PRIMARY KEY,
  user_id             INTEGER NOT NULL,
  submitted_by        TEXT NOT NULL,
  kind                TEXT NOT NULL,
  idempotency_key     TEXT NULL,
  state               TEXT NOT NULL CHECK (state IN ('PENDING','QUEUED','RUNNING','COMPLETED','FAILED','CANCELLED','TIMEOUT')),
  priority            INTEGER NOT NULL DEFAULT 0,
  attempts            INTEGER NOT NULL DEFAULT 1,
  max_retries         INTEGER NOT NULL DEFAULT 0,
  timeout_seconds     INTEGER NOT NULL DEFAULT 300,
  cancel_requested    INTEGER NOT NULL DEFAULT 0,
  progress_percent    INTEGER NOT NULL DEFAULT 0,
  progress_step       TEXT NULL,
  progress_message    TEXT NULL,
  progress_updated_at TIMESTAMP NULL,
  params_json         TEXT NOT NULL,
  params_hash         TEXT NOT NULL,
  broker_task_id      TEXT NULL,
  error_code          TEXT NULL,
  error_message       TEXT NULL,
  metadata_json       TEXT NULL,
  created_at          TIMESTAMP NOT NULL,
  updated_at          TIMESTAMP NOT NULL,
  started_at          TIMESTAMP NULL,
  finished_at         TIMESTAMP NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(user_id, kind, idempotency_key) WHERE idempotency_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_kind_state ON jobs(kind, state);`,

		// artefacts table
		`CREATE TABLE IF NOT EXISTS artefacts (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  type       TEXT NOT NULL,
  blob_key   TEXT NOT NULL,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  sha256     TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_artefacts_job ON artefacts(job_id);`,

		// licenses table
		`CREATE TABLE IF NOT EXISTS licenses (
  id      INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  kind    TEXT NOT NULL,
  status  TEXT NOT NULL CHECK (status IN ('active','expired','cancelled')),
  ends_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_status_ends ON licenses(status, ends_at);`,

		// notification_templates table
		`CREATE TABLE IF NOT EXISTS notification_templates (
  id       TEXT PRIMARY KEY,
  kind     TEXT NOT NULL,
  channel  TEXT NOT NULL CHECK (channel IN ('EMAIL','SMS')),
  language TEXT NOT NULL,
  subject  TEXT NOT NULL DEFAULT '',
  body     TEXT NOT NULL,
  UNIQUE(kind, channel, language)
);`,

		// notification_deliveries table
		`CREATE TABLE IF NOT EXISTS notification_deliveries (
  id                  TEXT PRIMARY KEY,
  user_id             INTEGER NOT NULL,
  license_id          INTEGER NULL,
  template_id         TEXT NULL,
  channel             TEXT NOT NULL CHECK (channel IN ('EMAIL','SMS')),
  recipient           TEXT NOT NULL,
  days_out            INTEGER NULL,
  subject             TEXT NOT NULL DEFAULT '',
  body                TEXT NOT NULL,
  variables_json      TEXT NULL,
  status              TEXT NOT NULL CHECK (status IN ('QUEUED','SENT','DELIVERED','FAILED','BOUNCED')),
  primary_provider    TEXT NOT NULL,
  actual_provider     TEXT NULL,
  provider_message_id TEXT NULL,
  retry_count         INTEGER NOT NULL DEFAULT 0,
  max_retries         INTEGER NOT NULL DEFAULT 3,
  scheduled_at        TIMESTAMP NOT NULL,
  sent_at             TIMESTAMP NULL,
  delivered_at        TIMESTAMP NULL,
  failed_at           TIMESTAMP NULL,
  created_at          TIMESTAMP NOT NULL,
  updated_at          TIMESTAMP NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_dedup ON notification_deliveries(license_id, days_out, channel) WHERE license_id IS NOT NULL AND days_out IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON notification_deliveries(status, scheduled_at);`,

		// notification_attempts table
		`CREATE TABLE IF NOT EXISTS notification_attempts (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  delivery_id    TEXT NOT NULL REFERENCES notification_deliveries(id) ON DELETE CASCADE,
  attempt_number INTEGER NOT NULL,
  provider       TEXT NOT NULL,
  request_json   TEXT NULL,
  response_json  TEXT NULL,
  error_kind     TEXT NULL,
  error_code     TEXT NULL,
  error_message  TEXT NULL,
  started_at     TIMESTAMP NOT NULL,
  completed_at   TIMESTAMP NULL,
  UNIQUE(delivery_id, attempt_number)
);`,

		// webhook_events table
		`CREATE TABLE IF NOT EXISTS webhook_events (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  provider        TEXT NOT NULL,
  event_id        TEXT NOT NULL,
  event_type      TEXT NOT NULL,
  payload_json    TEXT NOT NULL,
  status          TEXT NOT NULL CHECK (status IN ('pending','processing','delivered','failed')),
  retry_count     INTEGER NOT NULL DEFAULT 0,
  max_retries     INTEGER NOT NULL DEFAULT 5,
  next_attempt_at TIMESTAMP NULL,
  last_error      TEXT NULL,
  last_response   TEXT NULL,
  locked_at       TIMESTAMP NULL,
  locked_by       TEXT NULL,
  created_at      TIMESTAMP NOT NULL,
  updated_at      TIMESTAMP NOT NULL,
  delivered_at    TIMESTAMP NULL,
  UNIQUE(provider, event_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_due ON webhook_events(status, next_attempt_at);`,

		// invoices table
		`CREATE TABLE IF NOT EXISTS invoices (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  number      TEXT NOT NULL UNIQUE,
  total       TEXT NOT NULL,
  currency    TEXT NOT NULL DEFAULT 'USD',
  paid_status TEXT NOT NULL CHECK (paid_status IN ('UNPAID','PAID','FAILED','REFUNDED')),
  paid_at     TIMESTAMP NULL,
  created_at  TIMESTAMP NOT NULL,
  updated_at  TIMESTAMP NOT NULL
);`,

		// payments table
		`CREATE TABLE IF NOT EXISTS payments (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  provider            TEXT NOT NULL,
  provider_payment_id TEXT NOT NULL,
  amount              TEXT NOT NULL,
  currency            TEXT NOT NULL DEFAULT 'USD',
  status              TEXT NOT NULL CHECK (status IN ('PENDING','PROCESSING','SUCCEEDED','FAILED','REFUNDED')),
  invoice_id          INTEGER NULL REFERENCES invoices(id),
  created_at          TIMESTAMP NOT NULL,
  updated_at          TIMESTAMP NOT NULL,
  UNIQUE(provider, provider_payment_id)
);`,

		// payment_audit_logs table
		`CREATE TABLE IF NOT EXISTS payment_audit_logs (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  payment_id   INTEGER NOT NULL REFERENCES payments(id),
  invoice_id   INTEGER NULL,
  action       TEXT NOT NULL,
  actor_type   TEXT NOT NULL,
  actor_id     TEXT NOT NULL DEFAULT '',
  context_json TEXT NULL,
  created_at   TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_payment_audit_payment ON payment_audit_logs(payment_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
// modernc.org/sqlite does not export a stable error type for this, so the
// message text is the contract.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}

func fromNullIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}
