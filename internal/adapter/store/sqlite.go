package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is the canonical timestamp encoding for all persisted times.
// Fixed-width fractional seconds (RFC3339Nano trims trailing zeros) so the
// stored strings order lexically the way the instants order chronologically;
// the deadline and timestamp range queries compare these strings directly.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens (or creates) the SQLite database at path and runs the schema
// migration. WAL mode for better concurrent reads; a busy timeout so
// overlapping writers queue instead of failing.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			id                TEXT PRIMARY KEY,
			reference_number  TEXT NOT NULL UNIQUE,
			status            TEXT NOT NULL,
			claimant_id       TEXT NOT NULL,
			respondent_id     TEXT,
			response_deadline TEXT,
			evidence_deadline TEXT,
			rebuttal_deadline TEXT,
			deleted_at        TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_evidence_deadline ON cases(evidence_deadline)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_rebuttal_deadline ON cases(rebuttal_deadline)`,
		`CREATE TABLE IF NOT EXISTS invitations (
			token_digest TEXT PRIMARY KEY,
			case_id      TEXT NOT NULL REFERENCES cases(id),
			expires_at   TEXT NOT NULL,
			used         INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS extension_records (
			case_id            TEXT NOT NULL REFERENCES cases(id),
			deadline_type      TEXT NOT NULL,
			extensions_used    INTEGER NOT NULL,
			total_days_granted INTEGER NOT NULL,
			updated_at         TEXT NOT NULL,
			PRIMARY KEY (case_id, deadline_type)
		)`,
		`CREATE TABLE IF NOT EXISTS reminder_receipts (
			case_id       TEXT NOT NULL,
			deadline_type TEXT NOT NULL,
			window_hours  INTEGER NOT NULL,
			sent_at       TEXT NOT NULL,
			PRIMARY KEY (case_id, deadline_type, window_hours)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			action          TEXT NOT NULL,
			actor_user_id   TEXT,
			subject_case_id TEXT,
			metadata        TEXT NOT NULL,
			ip_address      TEXT,
			user_agent      TEXT,
			timestamp       TEXT NOT NULL,
			previous_hash   TEXT NOT NULL,
			integrity_hash  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_case ON audit_entries(subject_case_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func encodeTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
