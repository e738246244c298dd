package domain

import (
	"context"
	"strings"
	"time"
)

// AuditAction classifies audit entries. The vocabulary is closed: new actions
// are added by extending this list, never by repurposing an existing tag.
type AuditAction string

const (
	AuditCaseCreated        AuditAction = "case_created"
	AuditStatusChanged      AuditAction = "status_changed"
	AuditInvitationAccepted AuditAction = "invitation_accepted"
	AuditAgreementSigned    AuditAction = "agreement_signed"
	AuditEvidenceUploaded   AuditAction = "evidence_uploaded"
	AuditDeadlineExtended   AuditAction = "deadline_extended"
	AuditAwardIssued        AuditAction = "award_issued"
	AuditPaymentCompleted   AuditAction = "payment_completed"
	AuditCaseClosed         AuditAction = "case_closed"
)

// GenesisHash is the fixed previousHash of the first entry in a chain.
var GenesisHash = strings.Repeat("0", 64)

// AuditEntry is one immutable fact about the system. Entries are write-once:
// created by the audit service at the moment an action is recorded, never
// updated, never deleted.
type AuditEntry struct {
	Seq           int64             `json:"seq"` // append order, assigned by the store
	ID            string            `json:"id"`
	Action        AuditAction       `json:"action"`
	ActorUserID   string            `json:"actor_user_id,omitempty"` // empty for system/cron entries
	SubjectCaseID string            `json:"subject_case_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	PreviousHash  string            `json:"previous_hash"`
	IntegrityHash string            `json:"integrity_hash"`
}

// DraftAuditEntry is the caller-supplied part of an entry. Timestamp, hashes,
// id, and sequence are computed at append time.
type DraftAuditEntry struct {
	Action        AuditAction
	ActorUserID   string
	SubjectCaseID string
	Metadata      map[string]string
	IPAddress     string
	UserAgent     string
}

// AuditRange optionally bounds a chain read. Zero values mean unbounded.
type AuditRange struct {
	From   time.Time
	To     time.Time
	CaseID string // filter to one case's entries (verification uses the full chain)
}

// ChainStatus classifies a verification outcome.
type ChainStatus string

const (
	ChainIntact  ChainStatus = "intact"
	ChainPartial ChainStatus = "partial" // mismatches present but under the threshold fraction
	ChainBroken  ChainStatus = "broken"
)

// HashMismatch localizes one detected tampering or corruption point.
type HashMismatch struct {
	Seq          int64  `json:"seq"`
	EntryID      string `json:"entry_id"`
	StoredHash   string `json:"stored_hash"`
	ExpectedHash string `json:"expected_hash"`
	Reason       string `json:"reason"`
}

// VerificationResult reports a chain replay. Per-entry mismatch reporting lets
// operators localize a break instead of discarding the whole history.
type VerificationResult struct {
	Valid      bool           `json:"valid"`
	Entries    int            `json:"entries"`
	Mismatches []HashMismatch `json:"mismatches,omitempty"`
	Status     ChainStatus    `json:"status"`
}

// AuditStore is append-only persistence for the chain. Nothing other than the
// audit service ever writes through it.
type AuditStore interface {
	// AppendEntry inserts the entry and assigns its sequence number. The
	// insert re-reads the chain tail in the same transaction and returns
	// ErrChainConflict if entry.PreviousHash no longer matches it, so two
	// concurrent appends cannot fork the chain.
	AppendEntry(ctx context.Context, entry *AuditEntry) error
	// TailHash returns the most recent entry's integrity hash, or
	// GenesisHash for an empty chain.
	TailHash(ctx context.Context) (string, error)
	// ListEntries returns entries in append order, optionally bounded.
	ListEntries(ctx context.Context, r AuditRange) ([]*AuditEntry, error)
}

// AuditLog is the append surface exposed to business operations.
type AuditLog interface {
	Append(ctx context.Context, draft DraftAuditEntry) (*AuditEntry, error)
}
