package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Validation and state-conflict
// sentinels carry reasons the calling layer may render verbatim;
// infrastructure sentinels are logged with full context and surfaced
// to end users generically.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConflict     = fmt.Errorf("concurrent modification")

	// Case lifecycle errors.
	ErrWrongPhase         = fmt.Errorf("case is not in the required phase")
	ErrCaseClosed         = fmt.Errorf("case is closed")
	ErrDeadlinePassed     = fmt.Errorf("deadline has already passed")
	ErrExtensionCap       = fmt.Errorf("extension cap reached")
	ErrInvitationUsed     = fmt.Errorf("invitation already accepted")
	ErrInvitationExpired  = fmt.Errorf("invitation expired")
	ErrReferenceTaken     = fmt.Errorf("reference number already in use")
	ErrReferenceExhausted = fmt.Errorf("reference number attempts exhausted")

	// Audit chain errors.
	ErrChainConflict = fmt.Errorf("audit chain tail moved")
	ErrAuditWrite    = fmt.Errorf("audit log write failed")

	// Infrastructure errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrNotifySend = fmt.Errorf("notification delivery failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Engine.RequestExtension")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail (which precondition failed)
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

var userFacingSentinels = []error{
	ErrNotFound, ErrInvalidInput, ErrWrongPhase, ErrCaseClosed,
	ErrDeadlinePassed, ErrExtensionCap, ErrInvitationUsed, ErrInvitationExpired,
}

// IsUserFacing reports whether err carries a rejection reason the calling
// layer may render verbatim. Infrastructure failures are never user facing.
func IsUserFacing(err error) bool {
	for _, sentinel := range userFacingSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeWrongPhase         ErrorCode = "WRONG_PHASE"
	CodeCaseClosed         ErrorCode = "CASE_CLOSED"
	CodeDeadlinePassed     ErrorCode = "DEADLINE_PASSED"
	CodeExtensionCap       ErrorCode = "EXTENSION_CAP"
	CodeInvitationUsed     ErrorCode = "INVITATION_USED"
	CodeInvitationExpired  ErrorCode = "INVITATION_EXPIRED"
	CodeReferenceTaken     ErrorCode = "REFERENCE_TAKEN"
	CodeReferenceExhausted ErrorCode = "REFERENCE_EXHAUSTED"
	CodeChainConflict      ErrorCode = "CHAIN_CONFLICT"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeNotifySend         ErrorCode = "NOTIFY_SEND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrInvalidInput:       CodeInvalidInput,
	ErrConflict:           CodeConflict,
	ErrWrongPhase:         CodeWrongPhase,
	ErrCaseClosed:         CodeCaseClosed,
	ErrDeadlinePassed:     CodeDeadlinePassed,
	ErrExtensionCap:       CodeExtensionCap,
	ErrInvitationUsed:     CodeInvitationUsed,
	ErrInvitationExpired:  CodeInvitationExpired,
	ErrReferenceTaken:     CodeReferenceTaken,
	ErrReferenceExhausted: CodeReferenceExhausted,
	ErrChainConflict:      CodeChainConflict,
	ErrAuditWrite:         CodeAuditWrite,
	ErrConfigLoad:         CodeConfigLoad,
	ErrNotifySend:         CodeNotifySend,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel.
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
