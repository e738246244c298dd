package domain

import "time"

// DeadlineType names one of the three procedural deadlines on a case.
type DeadlineType string

const (
	DeadlineResponse DeadlineType = "response"
	DeadlineEvidence DeadlineType = "evidence"
	DeadlineRebuttal DeadlineType = "rebuttal"
)

// Valid reports whether t is a member of the closed deadline set.
func (t DeadlineType) Valid() bool {
	switch t {
	case DeadlineResponse, DeadlineEvidence, DeadlineRebuttal:
		return true
	}
	return false
}

// Extendable reports whether extensions may ever be granted against t.
// The response deadline is never extendable.
func (t DeadlineType) Extendable() bool {
	return t == DeadlineEvidence || t == DeadlineRebuttal
}

// Urgency bands deadlines for reminder purposes.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyWarning  Urgency = "warning"  // three days or less remaining
	UrgencyCritical Urgency = "critical" // 24 hours or less remaining
	UrgencyPassed   Urgency = "passed"
)

// DeadlineInfo is the computed view of a single deadline at a point in time.
type DeadlineInfo struct {
	Type           DeadlineType `json:"type"`
	Deadline       time.Time    `json:"deadline"`
	IsPassed       bool         `json:"is_passed"`
	HoursRemaining int          `json:"hours_remaining"`
	DaysRemaining  int          `json:"days_remaining"`
	CanExtend      bool         `json:"can_extend"`
	Urgency        Urgency      `json:"urgency"`
}

// DeadlineSet holds the computed deadlines present on a case. Fields are nil
// for deadlines the case's phase has not established.
type DeadlineSet struct {
	Response *DeadlineInfo `json:"response,omitempty"`
	Evidence *DeadlineInfo `json:"evidence,omitempty"`
	Rebuttal *DeadlineInfo `json:"rebuttal,omitempty"`
}

// ComputeDeadlines maps a case's recorded deadline timestamps and phase to a
// structured deadline set. Pure: no clock reads, no side effects.
func ComputeDeadlines(c *Case, now time.Time) DeadlineSet {
	var set DeadlineSet
	if c.ResponseDeadline != nil {
		set.Response = computeDeadline(DeadlineResponse, *c.ResponseDeadline, c.Status, now)
	}
	if c.EvidenceDeadline != nil {
		set.Evidence = computeDeadline(DeadlineEvidence, *c.EvidenceDeadline, c.Status, now)
	}
	if c.RebuttalDeadline != nil {
		set.Rebuttal = computeDeadline(DeadlineRebuttal, *c.RebuttalDeadline, c.Status, now)
	}
	return set
}

func computeDeadline(dt DeadlineType, deadline time.Time, status CaseStatus, now time.Time) *DeadlineInfo {
	info := &DeadlineInfo{
		Type:     dt,
		Deadline: deadline,
		IsPassed: now.After(deadline),
	}

	if !info.IsPassed {
		// Days are derived from whole hours so the two counts can never
		// disagree at a boundary.
		info.HoursRemaining = int(deadline.Sub(now) / time.Hour)
		info.DaysRemaining = info.HoursRemaining / 24
	}

	// Strictly before the deadline: at the exact expiry instant no extension
	// can be granted, matching the grant path's own check.
	info.CanExtend = now.Before(deadline) &&
		status == StatusEvidenceSubmission &&
		dt.Extendable()

	switch {
	case info.IsPassed:
		info.Urgency = UrgencyPassed
	case info.HoursRemaining <= 24:
		info.Urgency = UrgencyCritical
	case info.DaysRemaining <= 3:
		info.Urgency = UrgencyWarning
	default:
		info.Urgency = UrgencyNormal
	}

	return info
}

// ByType returns the info for the named deadline, or nil if absent.
func (s DeadlineSet) ByType(dt DeadlineType) *DeadlineInfo {
	switch dt {
	case DeadlineResponse:
		return s.Response
	case DeadlineEvidence:
		return s.Evidence
	case DeadlineRebuttal:
		return s.Rebuttal
	}
	return nil
}

// ExtensionRecord tracks usage of the extension privilege for one
// (case, deadline type) pair.
type ExtensionRecord struct {
	CaseID           string       `json:"case_id"`
	DeadlineType     DeadlineType `json:"deadline_type"`
	ExtensionsUsed   int          `json:"extensions_used"`
	TotalDaysGranted int          `json:"total_days_granted"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
