package domain

import (
	"context"
	"regexp"
	"time"
)

// CaseStatus is the case's position in the fixed procedural ordering.
type CaseStatus string

const (
	StatusDraft              CaseStatus = "DRAFT"
	StatusPendingRespondent  CaseStatus = "PENDING_RESPONDENT"
	StatusPendingAgreement   CaseStatus = "PENDING_AGREEMENT"
	StatusEvidenceSubmission CaseStatus = "EVIDENCE_SUBMISSION"
	StatusAnalysisPending    CaseStatus = "ANALYSIS_PENDING"
	StatusAnalysisInProgress CaseStatus = "ANALYSIS_IN_PROGRESS"
	StatusArbitratorReview   CaseStatus = "ARBITRATOR_REVIEW"
	StatusDecided            CaseStatus = "DECIDED"
	StatusClosed             CaseStatus = "CLOSED"
)

// statusOrder fixes the forward ordering of procedural phases. Closure is the
// only branch: CLOSED is reachable from any non-terminal state and is terminal.
var statusOrder = map[CaseStatus]int{
	StatusDraft:              0,
	StatusPendingRespondent:  1,
	StatusPendingAgreement:   2,
	StatusEvidenceSubmission: 3,
	StatusAnalysisPending:    4,
	StatusAnalysisInProgress: 5,
	StatusArbitratorReview:   6,
	StatusDecided:            7,
	StatusClosed:             8,
}

// Valid reports whether s is a member of the closed status set.
func (s CaseStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s CaseStatus) Terminal() bool { return s == StatusClosed }

// CanTransition reports whether from → to is a legal status change: one step
// forward along the fixed ordering, or explicit closure from any live state.
// Phases are never skipped and never revisited.
func CanTransition(from, to CaseStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusClosed {
		return true
	}
	return statusOrder[to] == statusOrder[from]+1
}

// Case is one dispute under arbitration.
type Case struct {
	ID              string     `json:"id"`
	ReferenceNumber string     `json:"reference_number"`
	Status          CaseStatus `json:"status"`
	ClaimantID      string     `json:"claimant_id"`
	RespondentID    string     `json:"respondent_id,omitempty"` // empty until invitation accepted

	// Deadlines are set only by the lifecycle engine at specific transitions.
	ResponseDeadline *time.Time `json:"response_deadline,omitempty"`
	EvidenceDeadline *time.Time `json:"evidence_deadline,omitempty"`
	RebuttalDeadline *time.Time `json:"rebuttal_deadline,omitempty"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Invitation is the single-use respondent invitation minted with its case.
// Only the token digest is persisted; the plaintext token is returned once to
// the caller at case creation and never stored.
type Invitation struct {
	TokenDigest string    `json:"token_digest"`
	CaseID      string    `json:"case_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Used        bool      `json:"used"`
	CreatedAt   time.Time `json:"created_at"`
}

// referencePattern matches the human-facing case reference format.
var referencePattern = regexp.MustCompile(`^SR-\d{4}-[A-F0-9]{6}$`)

// ValidReference reports whether ref matches SR-<year>-<6 hex chars>.
func ValidReference(ref string) bool { return referencePattern.MatchString(ref) }

// CaseStore provides persistent storage for cases, invitations, extension
// records, and reminder receipts. Only the lifecycle engine mutates case
// state through it.
type CaseStore interface {
	// CreateCase persists the case and its invitation in one atomic unit.
	// Returns ErrReferenceTaken if the reference number collides.
	CreateCase(ctx context.Context, c *Case, inv *Invitation) error
	GetCase(ctx context.Context, id string) (*Case, error)
	GetCaseByReference(ctx context.Context, ref string) (*Case, error)
	UpdateCase(ctx context.Context, c *Case) error

	InvitationByDigest(ctx context.Context, digest string) (*Invitation, error)
	// AcceptCaseInvitation updates the case and consumes the invitation in
	// one transaction. Returns ErrConflict if the invitation was consumed
	// by a concurrent request.
	AcceptCaseInvitation(ctx context.Context, c *Case, digest string) error

	// GetExtensionRecord returns the zero-valued record if no extension has
	// been granted yet for (caseID, deadlineType).
	GetExtensionRecord(ctx context.Context, caseID string, dt DeadlineType) (*ExtensionRecord, error)
	// ApplyExtension persists the shifted case deadlines and the incremented
	// extension record atomically. The record write is guarded by the usage
	// count observed by the caller; ErrConflict if it moved.
	ApplyExtension(ctx context.Context, c *Case, rec *ExtensionRecord) error

	ReminderSent(ctx context.Context, caseID string, dt DeadlineType, windowHours int) (bool, error)
	RecordReminder(ctx context.Context, caseID string, dt DeadlineType, windowHours int, at time.Time) error

	// CasesWithDeadlineBetween returns live EVIDENCE_SUBMISSION cases whose
	// deadline of the given kind falls in (from, to].
	CasesWithDeadlineBetween(ctx context.Context, dt DeadlineType, from, to time.Time) ([]*Case, error)
	// CasesWithLapsedRebuttal returns live EVIDENCE_SUBMISSION cases whose
	// rebuttal deadline is at or before now.
	CasesWithLapsedRebuttal(ctx context.Context, now time.Time) ([]*Case, error)
}
