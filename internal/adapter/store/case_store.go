package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"arbiter/internal/domain"
)

// SQLiteCaseStore implements domain.CaseStore.
type SQLiteCaseStore struct {
	db *sql.DB
}

// NewSQLiteCaseStore wraps an already-opened database.
func NewSQLiteCaseStore(db *sql.DB) *SQLiteCaseStore {
	return &SQLiteCaseStore{db: db}
}

const caseColumns = `id, reference_number, status, claimant_id, respondent_id,
	response_deadline, evidence_deadline, rebuttal_deadline,
	deleted_at, created_at, updated_at`

func (s *SQLiteCaseStore) CreateCase(ctx context.Context, c *domain.Case, inv *domain.Invitation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("casestore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (`+caseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ReferenceNumber, string(c.Status), c.ClaimantID, nullable(c.RespondentID),
		encodeTimePtr(c.ResponseDeadline), encodeTimePtr(c.EvidenceDeadline), encodeTimePtr(c.RebuttalDeadline),
		encodeTimePtr(c.DeletedAt), encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrReferenceTaken
		}
		return fmt.Errorf("casestore: insert case: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invitations (token_digest, case_id, expires_at, used, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		inv.TokenDigest, inv.CaseID, encodeTime(inv.ExpiresAt), encodeTime(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("casestore: insert invitation: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteCaseStore) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE id = ? AND deleted_at IS NULL`, id)
	return scanCase(row)
}

func (s *SQLiteCaseStore) GetCaseByReference(ctx context.Context, ref string) (*domain.Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE reference_number = ? AND deleted_at IS NULL`, ref)
	return scanCase(row)
}

func (s *SQLiteCaseStore) UpdateCase(ctx context.Context, c *domain.Case) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = ?, respondent_id = ?,
			response_deadline = ?, evidence_deadline = ?, rebuttal_deadline = ?,
			deleted_at = ?, updated_at = ?
		WHERE id = ?`,
		string(c.Status), nullable(c.RespondentID),
		encodeTimePtr(c.ResponseDeadline), encodeTimePtr(c.EvidenceDeadline), encodeTimePtr(c.RebuttalDeadline),
		encodeTimePtr(c.DeletedAt), encodeTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("casestore: update case: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteCaseStore) InvitationByDigest(ctx context.Context, digest string) (*domain.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_digest, case_id, expires_at, used, created_at
		FROM invitations WHERE token_digest = ?`, digest)

	var inv domain.Invitation
	var expires, created string
	var used int
	if err := row.Scan(&inv.TokenDigest, &inv.CaseID, &expires, &used, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("casestore: scan invitation: %w", err)
	}
	inv.Used = used != 0

	var err error
	if inv.ExpiresAt, err = decodeTime(expires); err != nil {
		return nil, fmt.Errorf("casestore: invitation expires_at: %w", err)
	}
	if inv.CreatedAt, err = decodeTime(created); err != nil {
		return nil, fmt.Errorf("casestore: invitation created_at: %w", err)
	}
	return &inv, nil
}

func (s *SQLiteCaseStore) AcceptCaseInvitation(ctx context.Context, c *domain.Case, digest string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("casestore: begin: %w", err)
	}
	defer tx.Rollback()

	// Guard used = 0 so a concurrent acceptance loses cleanly.
	res, err := tx.ExecContext(ctx,
		`UPDATE invitations SET used = 1 WHERE token_digest = ? AND used = 0`, digest)
	if err != nil {
		return fmt.Errorf("casestore: consume invitation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE cases SET status = ?, respondent_id = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), nullable(c.RespondentID), encodeTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("casestore: update case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	return tx.Commit()
}

func (s *SQLiteCaseStore) GetExtensionRecord(ctx context.Context, caseID string, dt domain.DeadlineType) (*domain.ExtensionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT extensions_used, total_days_granted, updated_at
		FROM extension_records WHERE case_id = ? AND deadline_type = ?`,
		caseID, string(dt))

	rec := &domain.ExtensionRecord{CaseID: caseID, DeadlineType: dt}
	var updated string
	err := row.Scan(&rec.ExtensionsUsed, &rec.TotalDaysGranted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil // zero record: no extensions granted yet
	}
	if err != nil {
		return nil, fmt.Errorf("casestore: scan extension record: %w", err)
	}
	if rec.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, fmt.Errorf("casestore: extension updated_at: %w", err)
	}
	return rec, nil
}

func (s *SQLiteCaseStore) ApplyExtension(ctx context.Context, c *domain.Case, rec *domain.ExtensionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("casestore: begin: %w", err)
	}
	defer tx.Rollback()

	// The upsert is guarded by the usage count observed by the caller, so two
	// concurrent grants cannot both slip past the per-deadline cap.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO extension_records (case_id, deadline_type, extensions_used, total_days_granted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(case_id, deadline_type) DO UPDATE SET
			extensions_used = excluded.extensions_used,
			total_days_granted = excluded.total_days_granted,
			updated_at = excluded.updated_at
		WHERE extension_records.extensions_used = ?`,
		rec.CaseID, string(rec.DeadlineType), rec.ExtensionsUsed, rec.TotalDaysGranted,
		encodeTime(rec.UpdatedAt), rec.ExtensionsUsed-1,
	)
	if err != nil {
		return fmt.Errorf("casestore: upsert extension record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE cases SET evidence_deadline = ?, rebuttal_deadline = ?, updated_at = ?
		WHERE id = ?`,
		encodeTimePtr(c.EvidenceDeadline), encodeTimePtr(c.RebuttalDeadline),
		encodeTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("casestore: update deadlines: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	return tx.Commit()
}

func (s *SQLiteCaseStore) ReminderSent(ctx context.Context, caseID string, dt domain.DeadlineType, windowHours int) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM reminder_receipts
		WHERE case_id = ? AND deadline_type = ? AND window_hours = ?`,
		caseID, string(dt), windowHours)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("casestore: reminder lookup: %w", err)
	}
	return true, nil
}

func (s *SQLiteCaseStore) RecordReminder(ctx context.Context, caseID string, dt domain.DeadlineType, windowHours int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminder_receipts (case_id, deadline_type, window_hours, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id, deadline_type, window_hours) DO NOTHING`,
		caseID, string(dt), windowHours, encodeTime(at))
	if err != nil {
		return fmt.Errorf("casestore: record reminder: %w", err)
	}
	return nil
}

func deadlineColumn(dt domain.DeadlineType) string {
	switch dt {
	case domain.DeadlineResponse:
		return "response_deadline"
	case domain.DeadlineEvidence:
		return "evidence_deadline"
	default:
		return "rebuttal_deadline"
	}
}

func (s *SQLiteCaseStore) CasesWithDeadlineBetween(ctx context.Context, dt domain.DeadlineType, from, to time.Time) ([]*domain.Case, error) {
	col := deadlineColumn(dt)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE status = ? AND deleted_at IS NULL
		  AND `+col+` IS NOT NULL AND `+col+` > ? AND `+col+` <= ?
		ORDER BY `+col,
		string(domain.StatusEvidenceSubmission), encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, fmt.Errorf("casestore: deadline query: %w", err)
	}
	defer rows.Close()
	return scanCases(rows)
}

func (s *SQLiteCaseStore) CasesWithLapsedRebuttal(ctx context.Context, now time.Time) ([]*domain.Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE status = ? AND deleted_at IS NULL
		  AND rebuttal_deadline IS NOT NULL AND rebuttal_deadline <= ?
		ORDER BY rebuttal_deadline`,
		string(domain.StatusEvidenceSubmission), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("casestore: lapsed rebuttal query: %w", err)
	}
	defer rows.Close()
	return scanCases(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCaseFields(sc rowScanner) (*domain.Case, error) {
	var c domain.Case
	var status string
	var respondent, response, evidence, rebuttal, deleted sql.NullString
	var created, updated string

	err := sc.Scan(&c.ID, &c.ReferenceNumber, &status, &c.ClaimantID, &respondent,
		&response, &evidence, &rebuttal, &deleted, &created, &updated)
	if err != nil {
		return nil, err
	}

	c.Status = domain.CaseStatus(status)
	c.RespondentID = respondent.String

	if c.ResponseDeadline, err = decodeTimePtr(response); err != nil {
		return nil, fmt.Errorf("response_deadline: %w", err)
	}
	if c.EvidenceDeadline, err = decodeTimePtr(evidence); err != nil {
		return nil, fmt.Errorf("evidence_deadline: %w", err)
	}
	if c.RebuttalDeadline, err = decodeTimePtr(rebuttal); err != nil {
		return nil, fmt.Errorf("rebuttal_deadline: %w", err)
	}
	if c.DeletedAt, err = decodeTimePtr(deleted); err != nil {
		return nil, fmt.Errorf("deleted_at: %w", err)
	}
	if c.CreatedAt, err = decodeTime(created); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if c.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &c, nil
}

func scanCase(row *sql.Row) (*domain.Case, error) {
	c, err := scanCaseFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("casestore: scan case: %w", err)
	}
	return c, nil
}

func scanCases(rows *sql.Rows) ([]*domain.Case, error) {
	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCaseFields(rows)
		if err != nil {
			return nil, fmt.Errorf("casestore: scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}
