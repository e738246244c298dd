package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/adapter/store"
	"arbiter/internal/domain"
	"arbiter/internal/infra/config"
	"arbiter/internal/usecase/audit"
	"arbiter/internal/usecase/lifecycle"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureNotifier records sent notifications and can simulate delivery
// failures for selected recipients.
type captureNotifier struct {
	mu      sync.Mutex
	sent    []domain.Notification
	failFor map[string]bool
}

func (n *captureNotifier) Send(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[msg.UserID] {
		return errors.New("delivery refused")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *captureNotifier) sentTo(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, msg := range n.sent {
		if msg.UserID == userID {
			count++
		}
	}
	return count
}

type testEnv struct {
	sweeper  *Sweeper
	engine   *lifecycle.Engine
	audit    *audit.Service
	notifier *captureNotifier
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	cases := store.NewSQLiteCaseStore(db)
	auditSvc := audit.NewService(store.NewSQLiteAuditStore(db), clock, logger, cfg.Audit.BrokenThreshold)
	engine := lifecycle.NewEngine(cases, auditSvc, clock, logger, cfg.Lifecycle, cfg.Extensions)
	notifier := &captureNotifier{failFor: make(map[string]bool)}
	sweeper := NewSweeper(cases, engine, notifier, clock, logger, cfg.Sweep.ReminderWindowHours)

	return &testEnv{sweeper: sweeper, engine: engine, audit: auditSvc, notifier: notifier, clock: clock}
}

// caseInEvidence walks a fresh case to EVIDENCE_SUBMISSION: evidence deadline
// 14 days out, rebuttal 21 days out.
func (env *testEnv) caseInEvidence(t *testing.T) *domain.Case {
	t.Helper()
	ctx := context.Background()
	c, token, err := env.engine.CreateCase(ctx, lifecycle.CaseDraft{ClaimantID: "claimant-1"})
	require.NoError(t, err)
	_, err = env.engine.AcceptInvitation(ctx, token, "respondent-1")
	require.NoError(t, err)
	c, err = env.engine.RecordAgreementComplete(ctx, c.ID)
	require.NoError(t, err)
	return c
}

func TestRun_NothingDue(t *testing.T) {
	env := newTestEnv(t)
	env.caseInEvidence(t)

	report, err := env.sweeper.Run(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.Reminded)
	assert.Zero(t, report.Advanced)
	assert.Zero(t, report.Failures)
	assert.Empty(t, env.notifier.sent)
}

func TestRun_RemindsBothParties(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.caseInEvidence(t)

	env.clock.Advance(12 * 24 * time.Hour) // evidence deadline ~48h out

	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, 1, env.notifier.sentTo("claimant-1"))
	assert.Equal(t, 1, env.notifier.sentTo("respondent-1"))

	require.NotEmpty(t, report.Outcomes)
	out := report.Outcomes[0]
	assert.Equal(t, c.ID, out.CaseID)
	assert.Equal(t, "reminded", out.Action)
	assert.Equal(t, domain.DeadlineEvidence, out.DeadlineType)
	assert.Equal(t, 72, out.WindowHours)

	msg := env.notifier.sent[0]
	assert.Equal(t, domain.NotifyDeadlineReminder, msg.Kind)
	assert.Equal(t, c.ReferenceNumber, msg.Payload["reference"])
	assert.Equal(t, string(domain.DeadlineEvidence), msg.Payload["deadline_type"])
}

func TestRun_ReminderIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.caseInEvidence(t)

	env.clock.Advance(12 * 24 * time.Hour)

	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)

	// Same window, repeated runs: the receipt suppresses re-sends.
	for i := 0; i < 3; i++ {
		report, err = env.sweeper.Run(ctx, time.Time{})
		require.NoError(t, err)
		assert.Zero(t, report.Reminded)
	}
	assert.Equal(t, 1, env.notifier.sentTo("claimant-1"))
}

func TestRun_TighterWindowEscalates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.caseInEvidence(t)

	// 48h out: the 72h window fires.
	env.clock.Advance(12 * 24 * time.Hour)
	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, 72, report.Outcomes[0].WindowHours)

	// 12h out: the 24h window is a separate reminder.
	env.clock.Advance(36 * time.Hour)
	report, err = env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, 24, report.Outcomes[0].WindowHours)

	assert.Equal(t, 2, env.notifier.sentTo("claimant-1"))
}

func TestRun_MissedWiderWindowReceiptedOnCatchUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.caseInEvidence(t)

	// First sweep runs only when 12h remain: both the 24h and 72h windows are
	// already crossed. One reminder goes out, and both windows are receipted
	// so the wider one cannot fire late.
	env.clock.Advance(13*24*time.Hour + 12*time.Hour)
	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, 24, report.Outcomes[0].WindowHours)

	report, err = env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.Reminded)
	assert.Equal(t, 1, env.notifier.sentTo("claimant-1"))
}

func TestRun_RemindsRebuttalAfterEvidencePassed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.caseInEvidence(t)

	// Evidence deadline lapsed five days ago; rebuttal is ~48h out.
	env.clock.Advance(19 * 24 * time.Hour)

	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	assert.Equal(t, domain.DeadlineRebuttal, report.Outcomes[0].DeadlineType)
}

func TestRun_PartyFailureDoesNotBlockOther(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.caseInEvidence(t)
	env.notifier.failFor["claimant-1"] = true

	env.clock.Advance(12 * 24 * time.Hour)

	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded)
	assert.Zero(t, env.notifier.sentTo("claimant-1"))
	assert.Equal(t, 1, env.notifier.sentTo("respondent-1"))
}

func TestRun_AdvancesLapsedRebuttal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.caseInEvidence(t)

	env.clock.Advance(22 * 24 * time.Hour) // past the 21-day rebuttal deadline

	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advanced)
	assert.Zero(t, report.Failures)

	updated, err := env.engine.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnalysisPending, updated.Status)

	entries, err := env.audit.List(ctx, domain.AuditRange{CaseID: c.ID})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, domain.AuditStatusChanged, last.Action)
	assert.Empty(t, last.ActorUserID)
	assert.Equal(t, "deadline passed", last.Metadata["reason"])
	assert.Equal(t, string(domain.StatusEvidenceSubmission), last.Metadata["previous_status"])
	assert.Equal(t, string(domain.StatusAnalysisPending), last.Metadata["new_status"])
}

func TestRun_AdvanceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.caseInEvidence(t)

	env.clock.Advance(22 * 24 * time.Hour)

	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advanced)

	// The case left EVIDENCE_SUBMISSION, so the next run finds nothing.
	report, err = env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.Advanced)
	assert.Zero(t, report.Failures)
}

func TestRun_ClosedCaseIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.caseInEvidence(t)

	_, err := env.engine.CloseCase(ctx, c.ID, "admin-1", "settled out of band")
	require.NoError(t, err)

	env.clock.Advance(22 * 24 * time.Hour)

	report, err := env.sweeper.Run(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.Reminded)
	assert.Zero(t, report.Advanced)
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"30m", "@every 1h", "*/15 * * * *"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	if _, err := ParseSchedule("not a schedule"); err == nil {
		t.Error("ParseSchedule accepted garbage")
	}
}
