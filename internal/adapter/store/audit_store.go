package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"arbiter/internal/domain"
)

// SQLiteAuditStore implements domain.AuditStore. The audit_entries table is
// append-only: this type exposes no update or delete path, and the sequence
// column preserves total append order.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore wraps an already-opened database.
func NewSQLiteAuditStore(db *sql.DB) *SQLiteAuditStore {
	return &SQLiteAuditStore{db: db}
}

func (s *SQLiteAuditStore) AppendEntry(ctx context.Context, e *domain.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("auditstore: marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("auditstore: begin: %w", err)
	}
	defer tx.Rollback()

	// Re-read the tail inside the transaction: if another append landed
	// between the caller's tail read and now, the chain would fork here.
	tail, err := tailHash(ctx, tx)
	if err != nil {
		return err
	}
	if tail != e.PreviousHash {
		return domain.ErrChainConflict
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, action, actor_user_id, subject_case_id, metadata,
			 ip_address, user_agent, timestamp, previous_hash, integrity_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), nullable(e.ActorUserID), nullable(e.SubjectCaseID), string(meta),
		nullable(e.IPAddress), nullable(e.UserAgent), encodeTime(e.Timestamp),
		e.PreviousHash, e.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("auditstore: insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("auditstore: last insert id: %w", err)
	}
	e.Seq = seq

	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tailHash(ctx context.Context, q queryer) (string, error) {
	row := q.QueryRowContext(ctx,
		`SELECT integrity_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	var hash string
	err := row.Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("auditstore: tail: %w", err)
	}
	return hash, nil
}

func (s *SQLiteAuditStore) TailHash(ctx context.Context) (string, error) {
	return tailHash(ctx, s.db)
}

func (s *SQLiteAuditStore) ListEntries(ctx context.Context, r domain.AuditRange) ([]*domain.AuditEntry, error) {
	query := `SELECT seq, id, action, actor_user_id, subject_case_id, metadata,
		ip_address, user_agent, timestamp, previous_hash, integrity_hash
		FROM audit_entries`
	var conds []string
	var args []any
	if !r.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, encodeTime(r.From))
	}
	if !r.To.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, encodeTime(r.To))
	}
	if r.CaseID != "" {
		conds = append(conds, "subject_case_id = ?")
		args = append(args, r.CaseID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditstore: list: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var action, meta, ts string
		var actor, caseID, ip, ua sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &action, &actor, &caseID, &meta,
			&ip, &ua, &ts, &e.PreviousHash, &e.IntegrityHash); err != nil {
			return nil, fmt.Errorf("auditstore: scan: %w", err)
		}
		e.Action = domain.AuditAction(action)
		e.ActorUserID = actor.String
		e.SubjectCaseID = caseID.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("auditstore: metadata: %w", err)
		}
		if e.Timestamp, err = decodeTime(ts); err != nil {
			return nil, fmt.Errorf("auditstore: timestamp: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
