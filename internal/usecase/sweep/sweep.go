// Package sweep implements the periodic deadline scan: reminder issuance for
// approaching deadlines and automatic phase transitions for lapsed ones.
package sweep

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"arbiter/internal/domain"
	"arbiter/internal/infra/tracer"
	"arbiter/internal/usecase/lifecycle"
)

// reminded deadline kinds. The response deadline is handled by the invitation
// expiry itself and is not reminded.
var remindedTypes = []domain.DeadlineType{domain.DeadlineEvidence, domain.DeadlineRebuttal}

// Outcome records what happened to one case during a sweep run.
type Outcome struct {
	CaseID       string              `json:"case_id"`
	Reference    string              `json:"reference"`
	Action       string              `json:"action"` // "reminded" or "advanced"
	DeadlineType domain.DeadlineType `json:"deadline_type,omitempty"`
	WindowHours  int                 `json:"window_hours,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// Report is the per-case outcome summary of one sweep run.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Reminded  int       `json:"reminded"`
	Advanced  int       `json:"advanced"`
	Failures  int       `json:"failures"`
	Outcomes  []Outcome `json:"outcomes,omitempty"`
}

// Sweeper runs the deadline scan. It reads case state, never mutates it
// directly: every transition goes through the lifecycle engine so the audit
// trail stays complete.
type Sweeper struct {
	cases    domain.CaseStore
	engine   *lifecycle.Engine
	notifier domain.Notifier
	clock    domain.Clock
	logger   *slog.Logger
	windows  []int // reminder window hours, ascending
}

// NewSweeper creates a sweeper with the configured reminder windows.
func NewSweeper(cases domain.CaseStore, engine *lifecycle.Engine, notifier domain.Notifier, clock domain.Clock, logger *slog.Logger, windowHours []int) *Sweeper {
	windows := append([]int(nil), windowHours...)
	sort.Ints(windows)
	return &Sweeper{
		cases:    cases,
		engine:   engine,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		windows:  windows,
	}
}

// Run executes one sweep: reminders first, then automatic transitions for
// lapsed rebuttal deadlines. A failure for one case never aborts the rest;
// each case's outcome is individually recorded. Safe to re-run within the
// same window: reminder issuance is deduplicated by receipt.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (*Report, error) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	ctx, span := tracer.StartSpan(ctx, "sweep.run")
	defer span.End()

	report := &Report{StartedAt: now}

	s.remind(ctx, now, report)
	s.advanceLapsed(ctx, now, report)

	s.logger.Info("deadline sweep complete",
		"reminded", report.Reminded,
		"advanced", report.Advanced,
		"failures", report.Failures)
	return report, nil
}

func (s *Sweeper) remind(ctx context.Context, now time.Time, report *Report) {
	if len(s.windows) == 0 {
		return
	}
	horizon := now.Add(time.Duration(s.windows[len(s.windows)-1]) * time.Hour)

	for _, dt := range remindedTypes {
		cases, err := s.cases.CasesWithDeadlineBetween(ctx, dt, now, horizon)
		if err != nil {
			s.logger.Error("reminder query failed", "deadline_type", string(dt), "error", err)
			report.Failures++
			continue
		}
		for _, c := range cases {
			s.remindCase(ctx, now, c, dt, report)
		}
	}
}

func (s *Sweeper) remindCase(ctx context.Context, now time.Time, c *domain.Case, dt domain.DeadlineType, report *Report) {
	info := domain.ComputeDeadlines(c, now).ByType(dt)
	if info == nil || info.IsPassed {
		return
	}

	// Fire the tightest crossed window only; receipt every crossed window so
	// a sweep that was down through a wider window does not double-notify on
	// recovery.
	window := 0
	for _, w := range s.windows {
		if info.HoursRemaining <= w {
			window = w
			break
		}
	}
	if window == 0 {
		return
	}

	sent, err := s.cases.ReminderSent(ctx, c.ID, dt, window)
	if err != nil {
		report.Failures++
		report.Outcomes = append(report.Outcomes, Outcome{
			CaseID: c.ID, Reference: c.ReferenceNumber, Action: "reminded",
			DeadlineType: dt, WindowHours: window, Error: err.Error(),
		})
		return
	}
	if sent {
		return
	}

	payload := map[string]string{
		"reference":       c.ReferenceNumber,
		"deadline_type":   string(dt),
		"deadline":        info.Deadline.Format(time.RFC3339),
		"hours_remaining": strconv.Itoa(info.HoursRemaining),
		"urgency":         string(info.Urgency),
	}

	// One reminder per party; a delivery failure for one party never blocks
	// the other's.
	parties := []string{c.ClaimantID}
	if c.RespondentID != "" {
		parties = append(parties, c.RespondentID)
	}
	for _, userID := range parties {
		err := s.notifier.Send(ctx, domain.Notification{
			UserID:  userID,
			Kind:    domain.NotifyDeadlineReminder,
			Payload: payload,
		})
		if err != nil {
			s.logger.Warn("reminder delivery failed",
				"case_id", c.ID, "user_id", userID, "error", err)
		}
	}

	for _, w := range s.windows {
		if w >= window {
			if err := s.cases.RecordReminder(ctx, c.ID, dt, w, now); err != nil {
				s.logger.Error("reminder receipt not recorded",
					"case_id", c.ID, "window_hours", w, "error", err)
			}
		}
	}

	report.Reminded++
	report.Outcomes = append(report.Outcomes, Outcome{
		CaseID: c.ID, Reference: c.ReferenceNumber, Action: "reminded",
		DeadlineType: dt, WindowHours: window,
	})
}

func (s *Sweeper) advanceLapsed(ctx context.Context, now time.Time, report *Report) {
	cases, err := s.cases.CasesWithLapsedRebuttal(ctx, now)
	if err != nil {
		s.logger.Error("lapsed rebuttal query failed", "error", err)
		report.Failures++
		return
	}

	for _, c := range cases {
		outcome := Outcome{
			CaseID: c.ID, Reference: c.ReferenceNumber,
			Action: "advanced", DeadlineType: domain.DeadlineRebuttal,
		}
		_, err := s.engine.AdvanceStatus(ctx, c.ID, domain.StatusAnalysisPending, "", "deadline passed")
		if err != nil {
			outcome.Error = err.Error()
			report.Failures++
			s.logger.Error("automatic transition failed", "case_id", c.ID, "error", err)
		} else {
			report.Advanced++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
}
