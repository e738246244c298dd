package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteCaseStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteCaseStore(db)
}

func seedCase(t *testing.T, s *SQLiteCaseStore, id, ref string) *domain.Case {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(14 * 24 * time.Hour)
	c := &domain.Case{
		ID:               id,
		ReferenceNumber:  ref,
		Status:           domain.StatusPendingRespondent,
		ClaimantID:       "claimant-1",
		ResponseDeadline: &deadline,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inv := &domain.Invitation{
		TokenDigest: "digest-" + id,
		CaseID:      id,
		ExpiresAt:   deadline,
		CreatedAt:   now,
	}
	require.NoError(t, s.CreateCase(context.Background(), c, inv))
	return c
}

func TestCreateCase_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCase(t, s, "case-1", "SR-2026-AB12CD")

	got, err := s.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ReferenceNumber, got.ReferenceNumber)
	assert.Equal(t, domain.StatusPendingRespondent, got.Status)
	assert.Empty(t, got.RespondentID)
	require.NotNil(t, got.ResponseDeadline)
	assert.Equal(t, *c.ResponseDeadline, *got.ResponseDeadline)
	assert.Nil(t, got.EvidenceDeadline)

	byRef, err := s.GetCaseByReference(ctx, c.ReferenceNumber)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byRef.ID)

	_, err = s.GetCase(ctx, "no-such-case")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateCase_DuplicateReference(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s, "case-1", "SR-2026-AB12CD")

	now := time.Now().UTC()
	dup := &domain.Case{
		ID:              "case-2",
		ReferenceNumber: "SR-2026-AB12CD",
		Status:          domain.StatusPendingRespondent,
		ClaimantID:      "claimant-2",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inv := &domain.Invitation{TokenDigest: "digest-case-2", CaseID: "case-2", ExpiresAt: now, CreatedAt: now}
	err := s.CreateCase(context.Background(), dup, inv)
	assert.ErrorIs(t, err, domain.ErrReferenceTaken)

	// The invitation from the rolled-back transaction must not exist.
	_, err = s.InvitationByDigest(context.Background(), "digest-case-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAcceptCaseInvitation_SecondConsumerLoses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCase(t, s, "case-1", "SR-2026-AB12CD")

	c.Status = domain.StatusPendingAgreement
	c.RespondentID = "respondent-1"
	c.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.AcceptCaseInvitation(ctx, c, "digest-case-1"))

	err := s.AcceptCaseInvitation(ctx, c, "digest-case-1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	inv, err := s.InvitationByDigest(ctx, "digest-case-1")
	require.NoError(t, err)
	assert.True(t, inv.Used)
}

func TestApplyExtension_StaleCountLoses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCase(t, s, "case-1", "SR-2026-AB12CD")

	now := time.Now().UTC()
	evidence := now.Add(10 * 24 * time.Hour)
	c.EvidenceDeadline = &evidence
	c.UpdatedAt = now

	rec := &domain.ExtensionRecord{
		CaseID:           c.ID,
		DeadlineType:     domain.DeadlineEvidence,
		ExtensionsUsed:   1,
		TotalDaysGranted: 5,
		UpdatedAt:        now,
	}
	require.NoError(t, s.ApplyExtension(ctx, c, rec))

	// A second writer that also observed zero prior extensions is refused.
	err := s.ApplyExtension(ctx, c, rec)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := s.GetExtensionRecord(ctx, c.ID, domain.DeadlineEvidence)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExtensionsUsed)
	assert.Equal(t, 5, got.TotalDaysGranted)
}

func TestGetExtensionRecord_ZeroWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.GetExtensionRecord(context.Background(), "case-x", domain.DeadlineRebuttal)
	require.NoError(t, err)
	assert.Zero(t, rec.ExtensionsUsed)
	assert.Zero(t, rec.TotalDaysGranted)
	assert.Equal(t, domain.DeadlineRebuttal, rec.DeadlineType)
}

func TestReminderReceipts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case-1", "SR-2026-AB12CD")
	now := time.Now().UTC()

	sent, err := s.ReminderSent(ctx, "case-1", domain.DeadlineEvidence, 72)
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, s.RecordReminder(ctx, "case-1", domain.DeadlineEvidence, 72, now))
	// Recording the same receipt twice is a no-op.
	require.NoError(t, s.RecordReminder(ctx, "case-1", domain.DeadlineEvidence, 72, now))

	sent, err = s.ReminderSent(ctx, "case-1", domain.DeadlineEvidence, 72)
	require.NoError(t, err)
	assert.True(t, sent)

	// Receipts are scoped per window and per deadline type.
	sent, err = s.ReminderSent(ctx, "case-1", domain.DeadlineEvidence, 24)
	require.NoError(t, err)
	assert.False(t, sent)
	sent, err = s.ReminderSent(ctx, "case-1", domain.DeadlineRebuttal, 72)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestCasesWithDeadlineBetween(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mkCase := func(i int, status domain.CaseStatus, evidence time.Time) {
		id := fmt.Sprintf("case-%d", i)
		c := seedCase(t, s, id, fmt.Sprintf("SR-2026-%06X", i))
		c.Status = status
		c.EvidenceDeadline = &evidence
		c.UpdatedAt = base
		require.NoError(t, s.UpdateCase(ctx, c))
	}

	mkCase(1, domain.StatusEvidenceSubmission, base.Add(48*time.Hour)) // in range
	mkCase(2, domain.StatusEvidenceSubmission, base.Add(96*time.Hour)) // beyond horizon
	mkCase(3, domain.StatusAnalysisPending, base.Add(48*time.Hour))    // wrong phase
	mkCase(4, domain.StatusEvidenceSubmission, base.Add(-time.Hour))   // already passed

	got, err := s.CasesWithDeadlineBetween(ctx, domain.DeadlineEvidence, base, base.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "case-1", got[0].ID)
}

func TestCasesWithLapsedRebuttal_SubSecondBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c := seedCase(t, s, "case-1", "SR-2026-AB12CD")
	rebuttal := base.Add(500 * time.Millisecond)
	c.Status = domain.StatusEvidenceSubmission
	c.RebuttalDeadline = &rebuttal
	c.UpdatedAt = base
	require.NoError(t, s.UpdateCase(ctx, c))

	// Half a second before the deadline it is not lapsed; the stored string
	// comparison must order sub-second instants chronologically.
	got, err := s.CasesWithLapsedRebuttal(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.CasesWithLapsedRebuttal(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].RebuttalDeadline)
	assert.Equal(t, rebuttal, *got[0].RebuttalDeadline)
}

func TestCasesWithLapsedRebuttal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mk := func(i int, status domain.CaseStatus, rebuttal time.Time) {
		id := fmt.Sprintf("case-%d", i)
		c := seedCase(t, s, id, fmt.Sprintf("SR-2026-%06X", i))
		c.Status = status
		c.RebuttalDeadline = &rebuttal
		c.UpdatedAt = base
		require.NoError(t, s.UpdateCase(ctx, c))
	}

	mk(1, domain.StatusEvidenceSubmission, base.Add(-time.Hour)) // lapsed
	mk(2, domain.StatusEvidenceSubmission, base.Add(time.Hour))  // still open
	mk(3, domain.StatusClosed, base.Add(-time.Hour))             // terminal

	got, err := s.CasesWithLapsedRebuttal(ctx, base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "case-1", got[0].ID)
}
