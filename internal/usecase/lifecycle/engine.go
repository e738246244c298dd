// Package lifecycle orchestrates the case state machine: phase transitions,
// deadline establishment, bounded extensions, and the audit entries that make
// each of them defensible after the fact.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"arbiter/internal/domain"
	"arbiter/internal/infra/config"
)

// Engine owns all Case and ExtensionRecord mutations. Operations on the same
// case are serialized through per-case locks; different cases proceed
// independently.
type Engine struct {
	cases  domain.CaseStore
	audit  domain.AuditLog
	clock  domain.Clock
	logger *slog.Logger

	lifecycle  config.LifecycleConfig
	extensions config.ExtensionsConfig

	mu    sync.Mutex
	locks map[string]*caseLock // case id → lock
}

// NewEngine creates the lifecycle engine.
func NewEngine(cases domain.CaseStore, audit domain.AuditLog, clock domain.Clock, logger *slog.Logger, lc config.LifecycleConfig, xc config.ExtensionsConfig) *Engine {
	return &Engine{
		cases:      cases,
		audit:      audit,
		clock:      clock,
		logger:     logger,
		lifecycle:  lc,
		extensions: xc,
		locks:      make(map[string]*caseLock),
	}
}

// caseLock is one case's mutex plus the count of current holders and waiters.
type caseLock struct {
	mu   sync.Mutex
	refs int
}

// lockCase acquires the mutex serializing operations on one case and returns
// its release func. Entries are reference-counted and removed from the map on
// final release, so the map tracks in-flight cases rather than every case
// ever touched.
func (e *Engine) lockCase(caseID string) func() {
	e.mu.Lock()
	l, ok := e.locks[caseID]
	if !ok {
		l = &caseLock{}
		e.locks[caseID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, caseID)
		}
		e.mu.Unlock()
	}
}

// CaseDraft is the caller-supplied part of a new case.
type CaseDraft struct {
	ClaimantID string
	IPAddress  string
	UserAgent  string
}

// CreateCase files a new case: PENDING_RESPONDENT, response deadline set,
// reference number generated with bounded collision retry, and a single-use
// invitation minted — all in one atomic unit. The plaintext invitation token
// is returned once and never stored.
func (e *Engine) CreateCase(ctx context.Context, draft CaseDraft) (*domain.Case, string, error) {
	const op = "Engine.CreateCase"
	if draft.ClaimantID == "" {
		return nil, "", domain.NewDomainError(op, domain.ErrInvalidInput, "claimant id is required")
	}

	now := e.clock.Now().UTC()
	deadline := now.Add(e.lifecycle.ResponseWindow())

	token, digest, err := newInvitationToken()
	if err != nil {
		return nil, "", domain.WrapOp(op, err)
	}

	var c *domain.Case
	for attempt := 0; attempt < e.lifecycle.ReferenceAttempts; attempt++ {
		ref, err := newReference(now.Year())
		if err != nil {
			return nil, "", domain.WrapOp(op, err)
		}
		candidate := &domain.Case{
			ID:               e.newID(),
			ReferenceNumber:  ref,
			Status:           domain.StatusPendingRespondent,
			ClaimantID:       draft.ClaimantID,
			ResponseDeadline: &deadline,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		inv := &domain.Invitation{
			TokenDigest: digest,
			CaseID:      candidate.ID,
			ExpiresAt:   deadline,
			CreatedAt:   now,
		}
		err = e.cases.CreateCase(ctx, candidate, inv)
		if errors.Is(err, domain.ErrReferenceTaken) {
			e.logger.Warn("reference number collision, retrying",
				"reference", ref, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, "", domain.WrapOp(op, err)
		}
		c = candidate
		break
	}
	if c == nil {
		// Operational anomaly, not a user error: reported distinctly so it
		// can be alerted on.
		return nil, "", domain.NewDomainError(op, domain.ErrReferenceExhausted,
			fmt.Sprintf("%d attempts", e.lifecycle.ReferenceAttempts))
	}

	e.recordAudit(ctx, domain.DraftAuditEntry{
		Action:        domain.AuditCaseCreated,
		ActorUserID:   draft.ClaimantID,
		SubjectCaseID: c.ID,
		IPAddress:     draft.IPAddress,
		UserAgent:     draft.UserAgent,
		Metadata: map[string]string{
			"reference_number":  c.ReferenceNumber,
			"status":            string(c.Status),
			"response_deadline": deadline.Format(time.RFC3339Nano),
		},
	})

	e.logger.Info("case created", "case_id", c.ID, "reference", c.ReferenceNumber)
	return c, token, nil
}

// AcceptInvitation consumes a single-use invitation token, links the
// respondent, and advances the case to PENDING_AGREEMENT.
func (e *Engine) AcceptInvitation(ctx context.Context, token, respondentID string) (*domain.Case, error) {
	const op = "Engine.AcceptInvitation"
	if token == "" || respondentID == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "token and respondent id are required")
	}

	digest := hashInvitationToken(token)
	inv, err := e.cases.InvitationByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewDomainError(op, domain.ErrNotFound, "invitation")
		}
		return nil, domain.WrapOp(op, err)
	}
	if inv.Used {
		return nil, domain.NewDomainError(op, domain.ErrInvitationUsed, "")
	}
	now := e.clock.Now().UTC()
	if now.After(inv.ExpiresAt) {
		return nil, domain.NewDomainError(op, domain.ErrInvitationExpired, "")
	}

	unlock := e.lockCase(inv.CaseID)
	defer unlock()

	c, err := e.cases.GetCase(ctx, inv.CaseID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if c.Status != domain.StatusPendingRespondent {
		return nil, domain.NewDomainError(op, domain.ErrWrongPhase,
			fmt.Sprintf("case is %s, want %s", c.Status, domain.StatusPendingRespondent))
	}

	prev := c.Status
	c.Status = domain.StatusPendingAgreement
	c.RespondentID = respondentID
	c.UpdatedAt = now

	if err := e.cases.AcceptCaseInvitation(ctx, c, digest); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.NewDomainError(op, domain.ErrInvitationUsed, "accepted concurrently")
		}
		return nil, domain.WrapOp(op, err)
	}

	e.recordAudit(ctx, domain.DraftAuditEntry{
		Action:        domain.AuditInvitationAccepted,
		ActorUserID:   respondentID,
		SubjectCaseID: c.ID,
		Metadata: map[string]string{
			"previous_status": string(prev),
			"new_status":      string(c.Status),
			"respondent_id":   respondentID,
		},
	})

	e.logger.Info("invitation accepted", "case_id", c.ID, "respondent_id", respondentID)
	return c, nil
}

// RecordAgreementComplete reacts to the external signing collaborator's
// completion event: the case enters EVIDENCE_SUBMISSION and both the evidence
// deadline and the dependent rebuttal deadline are established.
func (e *Engine) RecordAgreementComplete(ctx context.Context, caseID string) (*domain.Case, error) {
	const op = "Engine.RecordAgreementComplete"

	unlock := e.lockCase(caseID)
	defer unlock()

	c, err := e.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if c.Status != domain.StatusPendingAgreement {
		return nil, domain.NewDomainError(op, domain.ErrWrongPhase,
			fmt.Sprintf("case is %s, want %s", c.Status, domain.StatusPendingAgreement))
	}

	now := e.clock.Now().UTC()
	evidence := now.Add(e.lifecycle.EvidenceWindow())
	rebuttal := evidence.Add(e.lifecycle.RebuttalGap())

	prev := c.Status
	c.Status = domain.StatusEvidenceSubmission
	c.EvidenceDeadline = &evidence
	c.RebuttalDeadline = &rebuttal
	c.UpdatedAt = now

	if err := e.cases.UpdateCase(ctx, c); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	e.recordAudit(ctx, domain.DraftAuditEntry{
		Action:        domain.AuditAgreementSigned,
		SubjectCaseID: c.ID,
		Metadata: map[string]string{
			"previous_status":   string(prev),
			"new_status":        string(c.Status),
			"evidence_deadline": evidence.Format(time.RFC3339Nano),
			"rebuttal_deadline": rebuttal.Format(time.RFC3339Nano),
		},
	})

	e.logger.Info("agreement complete", "case_id", c.ID,
		"evidence_deadline", evidence, "rebuttal_deadline", rebuttal)
	return c, nil
}

// ExtensionGrant reports a successful extension.
type ExtensionGrant struct {
	DeadlineType        domain.DeadlineType `json:"deadline_type"`
	DaysGranted         int                 `json:"days_granted"`
	NewDeadline         time.Time           `json:"new_deadline"`
	NewRebuttalDeadline *time.Time          `json:"new_rebuttal_deadline,omitempty"` // set when the rebuttal shifted with evidence
}

// RequestExtension grants bounded additional time against an extendable
// deadline. Preconditions are checked in order with first failure winning:
// input shape, phase, deadline liveness, then the per-deadline cap. Extending
// the evidence deadline shifts the dependent rebuttal deadline by the same
// number of days so the rebuttal window is never compressed.
func (e *Engine) RequestExtension(ctx context.Context, caseID string, dt domain.DeadlineType, days int, reason, requesterID string) (*ExtensionGrant, error) {
	const op = "Engine.RequestExtension"

	if days < 1 || days > e.extensions.MaxDaysPerRequest {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("days must be between 1 and %d", e.extensions.MaxDaysPerRequest))
	}
	if !dt.Valid() || !dt.Extendable() {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("deadline %q is not extendable", dt))
	}
	if len(reason) < e.lifecycle.MinReasonLength {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("reason must be at least %d characters", e.lifecycle.MinReasonLength))
	}

	unlock := e.lockCase(caseID)
	defer unlock()

	c, err := e.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if c.Status != domain.StatusEvidenceSubmission {
		return nil, domain.NewDomainError(op, domain.ErrWrongPhase,
			fmt.Sprintf("case is %s, want %s", c.Status, domain.StatusEvidenceSubmission))
	}

	deadline := c.EvidenceDeadline
	if dt == domain.DeadlineRebuttal {
		deadline = c.RebuttalDeadline
	}
	if deadline == nil {
		return nil, domain.NewDomainError(op, domain.ErrWrongPhase,
			fmt.Sprintf("%s deadline is not set", dt))
	}
	now := e.clock.Now().UTC()
	if !now.Before(*deadline) {
		return nil, domain.NewDomainError(op, domain.ErrDeadlinePassed, string(dt))
	}

	rec, err := e.cases.GetExtensionRecord(ctx, caseID, dt)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if rec.ExtensionsUsed >= e.extensions.MaxPerDeadline {
		return nil, domain.NewDomainError(op, domain.ErrExtensionCap,
			fmt.Sprintf("%d of %d used", rec.ExtensionsUsed, e.extensions.MaxPerDeadline))
	}

	shift := time.Duration(days) * 24 * time.Hour
	newDeadline := deadline.Add(shift)
	grant := &ExtensionGrant{DeadlineType: dt, DaysGranted: days, NewDeadline: newDeadline}
	meta := map[string]string{
		"deadline_type":     string(dt),
		"days":              strconv.Itoa(days),
		"reason":            reason,
		"previous_deadline": deadline.Format(time.RFC3339Nano),
		"new_deadline":      newDeadline.Format(time.RFC3339Nano),
	}

	switch dt {
	case domain.DeadlineEvidence:
		c.EvidenceDeadline = &newDeadline
		// Preserve the fixed evidence→rebuttal gap.
		if c.RebuttalDeadline != nil {
			shifted := c.RebuttalDeadline.Add(shift)
			meta["previous_rebuttal_deadline"] = c.RebuttalDeadline.Format(time.RFC3339Nano)
			meta["new_rebuttal_deadline"] = shifted.Format(time.RFC3339Nano)
			c.RebuttalDeadline = &shifted
			grant.NewRebuttalDeadline = &shifted
		}
	case domain.DeadlineRebuttal:
		c.RebuttalDeadline = &newDeadline
	}
	c.UpdatedAt = now

	rec.ExtensionsUsed++
	rec.TotalDaysGranted += days
	rec.UpdatedAt = now

	if err := e.cases.ApplyExtension(ctx, c, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.NewDomainError(op, domain.ErrExtensionCap, "granted concurrently")
		}
		return nil, domain.WrapOp(op, err)
	}

	e.recordAudit(ctx, domain.DraftAuditEntry{
		Action:        domain.AuditDeadlineExtended,
		ActorUserID:   requesterID,
		SubjectCaseID: c.ID,
		Metadata:      meta,
	})

	e.logger.Info("extension granted", "case_id", c.ID, "deadline_type", string(dt),
		"days", days, "new_deadline", newDeadline)
	return grant, nil
}

// GetDeadlines returns the computed deadline set for a case. A zero now falls
// back to the engine clock.
func (e *Engine) GetDeadlines(ctx context.Context, caseID string, now time.Time) (domain.DeadlineSet, error) {
	c, err := e.cases.GetCase(ctx, caseID)
	if err != nil {
		return domain.DeadlineSet{}, domain.WrapOp("Engine.GetDeadlines", err)
	}
	if now.IsZero() {
		now = e.clock.Now()
	}
	return domain.ComputeDeadlines(c, now.UTC()), nil
}

// AdvanceStatus moves a case one step forward along the procedural ordering.
// It refuses the transitions that must set deadlines (those go through
// CreateCase, AcceptInvitation, and RecordAgreementComplete) so no phase can
// skip its deadline-setting step. actorID is empty for system transitions.
func (e *Engine) AdvanceStatus(ctx context.Context, caseID string, to domain.CaseStatus, actorID, reason string) (*domain.Case, error) {
	const op = "Engine.AdvanceStatus"

	switch to {
	case domain.StatusAnalysisPending, domain.StatusAnalysisInProgress,
		domain.StatusArbitratorReview, domain.StatusDecided:
	default:
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("status %s cannot be reached via AdvanceStatus", to))
	}

	unlock := e.lockCase(caseID)
	defer unlock()

	c, err := e.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if c.Status.Terminal() {
		return nil, domain.NewDomainError(op, domain.ErrCaseClosed, "")
	}
	if !domain.CanTransition(c.Status, to) {
		return nil, domain.NewDomainError(op, domain.ErrWrongPhase,
			fmt.Sprintf("cannot transition %s → %s", c.Status, to))
	}

	prev := c.Status
	c.Status = to
	c.UpdatedAt = e.clock.Now().UTC()

	if err := e.cases.UpdateCase(ctx, c); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	meta := map[string]string{
		"previous_status": string(prev),
		"new_status":      string(to),
	}
	if reason != "" {
		meta["reason"] = reason
	}
	e.recordAudit(ctx, domain.DraftAuditEntry{
		Action:        domain.AuditStatusChanged,
		ActorUserID:   actorID,
		SubjectCaseID: c.ID,
		Metadata:      meta,
	})

	e.logger.Info("case advanced", "case_id", c.ID,
		"from", string(prev), "to", string(to), "reason", reason)
	return c, nil
}

// CloseCase is the explicit closure branch: terminal, reachable from any
// live state.
func (e *Engine) CloseCase(ctx context.Context, caseID, actorID, reason string) (*domain.Case, error) {
	const op = "Engine.CloseCase"
	if len(reason) < e.lifecycle.MinReasonLength {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("reason must be at least %d characters", e.lifecycle.MinReasonLength))
	}

	unlock := e.lockCase(caseID)
	defer unlock()

	c, err := e.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if c.Status.Terminal() {
		return nil, domain.NewDomainError(op, domain.ErrCaseClosed, "already closed")
	}

	prev := c.Status
	c.Status = domain.StatusClosed
	c.UpdatedAt = e.clock.Now().UTC()

	if err := e.cases.UpdateCase(ctx, c); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	e.recordAudit(ctx, domain.DraftAuditEntry{
		Action:        domain.AuditCaseClosed,
		ActorUserID:   actorID,
		SubjectCaseID: c.ID,
		Metadata: map[string]string{
			"previous_status": string(prev),
			"new_status":      string(domain.StatusClosed),
			"reason":          reason,
		},
	})

	e.logger.Info("case closed", "case_id", c.ID, "previous_status", string(prev))
	return c, nil
}

// GetCase reads one case by id.
func (e *Engine) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	c, err := e.cases.GetCase(ctx, caseID)
	return c, domain.WrapOp("Engine.GetCase", err)
}

// recordAudit appends the entry for a committed transition. The business
// write has already succeeded; an append failure is surfaced to the log for
// alerting and backfill, never propagated to the caller.
func (e *Engine) recordAudit(ctx context.Context, draft domain.DraftAuditEntry) {
	if _, err := e.audit.Append(ctx, draft); err != nil {
		e.logger.Error("audit entry lost for committed operation",
			"action", string(draft.Action),
			"case_id", draft.SubjectCaseID,
			"error", err)
	}
}

func (e *Engine) newID() string {
	t := e.clock.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
