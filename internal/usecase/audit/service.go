// Package audit maintains the platform's tamper-evident record: a single,
// totally ordered hash chain over every state-changing action.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"arbiter/internal/domain"
	"arbiter/internal/infra/tracer"
)

// appendRetries bounds the compare-and-swap retry loop when an external
// writer moves the chain tail between tail read and insert.
const appendRetries = 3

// Service implements domain.AuditLog over an AuditStore.
type Service struct {
	store  domain.AuditStore
	clock  domain.Clock
	logger *slog.Logger

	// brokenThreshold is the mismatch fraction above which VerifyChain
	// classifies the chain broken rather than partial.
	brokenThreshold float64

	// mu serializes in-process appends; the store's transactional tail
	// check covers writers in other processes.
	mu sync.Mutex
}

// NewService creates the audit service.
func NewService(store domain.AuditStore, clock domain.Clock, logger *slog.Logger, brokenThreshold float64) *Service {
	return &Service{
		store:           store,
		clock:           clock,
		logger:          logger,
		brokenThreshold: brokenThreshold,
	}
}

// Append records one immutable entry at the chain tail and returns it fully
// populated. Callers treat a failed append as non-fatal to the triggering
// business operation, but the failure is logged for alerting: silent loss of
// audit entries is a reportable defect.
func (s *Service) Append(ctx context.Context, draft domain.DraftAuditEntry) (*domain.AuditEntry, error) {
	if draft.Action == "" {
		return nil, domain.NewDomainError("Audit.Append", domain.ErrInvalidInput, "action is required")
	}

	ctx, span := tracer.StartSpan(ctx, "audit.append")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var entry *domain.AuditEntry
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		entry, err = s.tryAppend(ctx, draft)
		if !errors.Is(err, domain.ErrChainConflict) {
			break
		}
	}
	if err != nil {
		s.logger.Error("audit append failed",
			"action", string(draft.Action),
			"case_id", draft.SubjectCaseID,
			"error", err,
			"code", string(domain.ErrorCodeOf(err)))
		tracer.RecordError(span, err)
		return nil, domain.NewDomainError("Audit.Append", domain.ErrAuditWrite, err.Error())
	}

	span.AddEvent("audit.appended", trace.WithAttributes(
		tracer.StringAttr("audit.action", string(entry.Action)),
		tracer.StringAttr("audit.entry_id", entry.ID),
	))
	return entry, nil
}

func (s *Service) tryAppend(ctx context.Context, draft domain.DraftAuditEntry) (*domain.AuditEntry, error) {
	tail, err := s.store.TailHash(ctx)
	if err != nil {
		return nil, err
	}

	entry := &domain.AuditEntry{
		ID:            s.newID(),
		Action:        draft.Action,
		ActorUserID:   draft.ActorUserID,
		SubjectCaseID: draft.SubjectCaseID,
		Metadata:      draft.Metadata,
		IPAddress:     draft.IPAddress,
		UserAgent:     draft.UserAgent,
		Timestamp:     s.clock.Now().UTC(),
		PreviousHash:  tail,
	}
	entry.IntegrityHash = ComputeHash(entry)

	if err := s.store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// VerifyChain replays entries in append order, recomputing each integrity
// hash from the entry's own stored content and stored previous hash. It is a
// read-only diagnostic: integrity findings are data in the result, never
// errors. An unfiltered verification sees the entire chain, so any break in
// the append order is itself evidence of a deleted entry and is reported; a
// filtered (per-case or time-ranged) read legitimately skips entries, so
// linkage is only checked between consecutive survivors there.
func (s *Service) VerifyChain(ctx context.Context, r domain.AuditRange) (*domain.VerificationResult, error) {
	ctx, span := tracer.StartSpan(ctx, "audit.verify_chain")
	defer span.End()

	entries, err := s.store.ListEntries(ctx, r)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Audit.VerifyChain", err)
	}

	full := r.From.IsZero() && r.To.IsZero() && r.CaseID == ""
	result := &domain.VerificationResult{Entries: len(entries)}

	var prev *domain.AuditEntry
	for _, e := range entries {
		if expected := ComputeHash(e); expected != e.IntegrityHash {
			result.Mismatches = append(result.Mismatches, domain.HashMismatch{
				Seq:          e.Seq,
				EntryID:      e.ID,
				StoredHash:   e.IntegrityHash,
				ExpectedHash: expected,
				Reason:       "integrity hash does not match entry content",
			})
		} else if prev == nil {
			if e.Seq == 1 && e.PreviousHash != domain.GenesisHash {
				result.Mismatches = append(result.Mismatches, domain.HashMismatch{
					Seq:          e.Seq,
					EntryID:      e.ID,
					StoredHash:   e.PreviousHash,
					ExpectedHash: domain.GenesisHash,
					Reason:       "genesis entry does not use the genesis hash",
				})
			} else if full && e.Seq != 1 {
				result.Mismatches = append(result.Mismatches, domain.HashMismatch{
					Seq:          e.Seq,
					EntryID:      e.ID,
					StoredHash:   e.PreviousHash,
					ExpectedHash: domain.GenesisHash,
					Reason:       "chain does not begin at the genesis entry",
				})
			}
		} else if e.Seq == prev.Seq+1 {
			if e.PreviousHash != prev.IntegrityHash {
				result.Mismatches = append(result.Mismatches, domain.HashMismatch{
					Seq:          e.Seq,
					EntryID:      e.ID,
					StoredHash:   e.PreviousHash,
					ExpectedHash: prev.IntegrityHash,
					Reason:       "previous hash does not link to predecessor",
				})
			}
		} else if full {
			result.Mismatches = append(result.Mismatches, domain.HashMismatch{
				Seq:          e.Seq,
				EntryID:      e.ID,
				StoredHash:   e.PreviousHash,
				ExpectedHash: prev.IntegrityHash,
				Reason:       "gap in append order: intervening entry deleted",
			})
		}
		prev = e
	}

	result.Valid = len(result.Mismatches) == 0
	switch {
	case result.Valid:
		result.Status = domain.ChainIntact
	case float64(len(result.Mismatches)) <= s.brokenThreshold*float64(len(entries)):
		result.Status = domain.ChainPartial
	default:
		result.Status = domain.ChainBroken
	}

	if !result.Valid {
		s.logger.Warn("audit chain verification found mismatches",
			"entries", result.Entries,
			"mismatches", len(result.Mismatches),
			"status", string(result.Status))
	}
	return result, nil
}

// List exposes filtered range reads for operators (e.g. one case's history).
func (s *Service) List(ctx context.Context, r domain.AuditRange) ([]*domain.AuditEntry, error) {
	entries, err := s.store.ListEntries(ctx, r)
	return entries, domain.WrapOp("Audit.List", err)
}

func (s *Service) newID() string {
	t := s.clock.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// FormatSince is a CLI helper describing how far back a verification ran.
func FormatSince(from time.Time, now time.Time) string {
	if from.IsZero() {
		return "full chain"
	}
	return fmt.Sprintf("since %s (%s ago)", from.Format(time.RFC3339), now.Sub(from).Round(time.Second))
}
