package domain

import (
	"testing"
	"time"
)

func datePtr(t time.Time) *time.Time { return &t }

func TestComputeDeadlines_FutureDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Case{
		Status:           StatusEvidenceSubmission,
		EvidenceDeadline: datePtr(now.Add(10 * 24 * time.Hour)),
	}

	set := ComputeDeadlines(c, now)
	if set.Evidence == nil {
		t.Fatal("expected evidence deadline info")
	}
	info := set.Evidence

	if info.IsPassed {
		t.Error("deadline 10 days out should not be passed")
	}
	if info.DaysRemaining < 9 || info.DaysRemaining > 10 {
		t.Errorf("DaysRemaining = %d, want 9..10", info.DaysRemaining)
	}
	if info.HoursRemaining != 240 {
		t.Errorf("HoursRemaining = %d, want 240", info.HoursRemaining)
	}
	if !info.CanExtend {
		t.Error("future evidence deadline in EVIDENCE_SUBMISSION should be extendable")
	}
	if info.Urgency != UrgencyNormal {
		t.Errorf("Urgency = %q, want %q", info.Urgency, UrgencyNormal)
	}
}

func TestComputeDeadlines_PassedDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Case{
		Status:           StatusEvidenceSubmission,
		EvidenceDeadline: datePtr(now.Add(-time.Hour)),
	}

	info := ComputeDeadlines(c, now).Evidence
	if !info.IsPassed {
		t.Error("deadline one hour ago should be passed")
	}
	if info.HoursRemaining != 0 {
		t.Errorf("HoursRemaining = %d, want 0", info.HoursRemaining)
	}
	if info.DaysRemaining != 0 {
		t.Errorf("DaysRemaining = %d, want 0", info.DaysRemaining)
	}
	if info.CanExtend {
		t.Error("passed deadline must not be extendable")
	}
	if info.Urgency != UrgencyPassed {
		t.Errorf("Urgency = %q, want %q", info.Urgency, UrgencyPassed)
	}
}

func TestComputeDeadlines_UrgencyBands(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		remaining time.Duration
		want      Urgency
	}{
		{"twelve hours", 12 * time.Hour, UrgencyCritical},
		{"exactly 24h", 24 * time.Hour, UrgencyCritical},
		{"two days", 48 * time.Hour, UrgencyWarning},
		{"three days", 72 * time.Hour, UrgencyWarning},
		{"five days", 5 * 24 * time.Hour, UrgencyNormal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Case{
				Status:           StatusEvidenceSubmission,
				RebuttalDeadline: datePtr(now.Add(tc.remaining)),
			}
			info := ComputeDeadlines(c, now).Rebuttal
			if info.Urgency != tc.want {
				t.Errorf("Urgency = %q, want %q", info.Urgency, tc.want)
			}
		})
	}
}

func TestComputeDeadlines_HourDayConsistency(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	// Sample around day boundaries; the day count must always be the whole-day
	// part of the hour count.
	for hours := 0; hours < 80; hours++ {
		c := &Case{
			Status:           StatusEvidenceSubmission,
			EvidenceDeadline: datePtr(now.Add(time.Duration(hours)*time.Hour + 30*time.Minute)),
		}
		info := ComputeDeadlines(c, now).Evidence
		if info.DaysRemaining != info.HoursRemaining/24 {
			t.Fatalf("hours=%d: DaysRemaining %d disagrees with HoursRemaining %d",
				hours, info.DaysRemaining, info.HoursRemaining)
		}
	}
}

func TestComputeDeadlines_ResponseNeverExtendable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Case{
		Status:           StatusEvidenceSubmission,
		ResponseDeadline: datePtr(now.Add(5 * 24 * time.Hour)),
	}
	if ComputeDeadlines(c, now).Response.CanExtend {
		t.Error("response deadline must never be extendable")
	}
}

func TestComputeDeadlines_WrongPhaseNotExtendable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Case{
		Status:           StatusArbitratorReview,
		EvidenceDeadline: datePtr(now.Add(5 * 24 * time.Hour)),
	}
	if ComputeDeadlines(c, now).Evidence.CanExtend {
		t.Error("deadlines are only extendable during EVIDENCE_SUBMISSION")
	}
}

func TestComputeDeadlines_AbsentDeadlines(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &Case{Status: StatusDraft}
	set := ComputeDeadlines(c, now)
	if set.Response != nil || set.Evidence != nil || set.Rebuttal != nil {
		t.Error("absent deadlines must yield nil infos")
	}
}

func TestDeadlineType_Extendable(t *testing.T) {
	if DeadlineResponse.Extendable() {
		t.Error("response must not be extendable")
	}
	if !DeadlineEvidence.Extendable() || !DeadlineRebuttal.Extendable() {
		t.Error("evidence and rebuttal must be extendable")
	}
}

func TestComputeDeadlines_ExactExpiryInstant(t *testing.T) {
	deadline := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	c := &Case{Status: StatusEvidenceSubmission, EvidenceDeadline: &deadline}

	at := ComputeDeadlines(c, deadline).Evidence
	if at.IsPassed {
		t.Error("the expiry instant itself is not yet passed")
	}
	if at.CanExtend {
		t.Error("no extension may be granted at the exact expiry instant")
	}

	before := ComputeDeadlines(c, deadline.Add(-time.Second)).Evidence
	if !before.CanExtend {
		t.Error("strictly before the deadline the extension must be available")
	}
}
