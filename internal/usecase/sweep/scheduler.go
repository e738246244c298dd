package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives periodic sweep runs. The schedule is either a cron
// expression ("*/30 * * * *") or a duration string ("30m").
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler around the sweeper.
func NewScheduler(sweeper *Sweeper, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sweeper: sweeper,
		logger:  logger,
	}
}

// ParseSchedule parses a cron expression or a duration string into a
// cron.Schedule.
func ParseSchedule(s string) (cron.Schedule, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule duration must be positive: %s", s)
		}
		return cron.Every(d), nil
	}
	return cron.ParseStandard(s)
}

// Start begins firing the sweep on the given schedule until Stop is called.
func (s *Scheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}

	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.cron.Schedule(sched, cron.FuncJob(func() {
		report, err := s.sweeper.Run(ctx, time.Time{})
		if err != nil {
			s.logger.Error("scheduled sweep failed", "error", err)
			return
		}
		if report.Failures > 0 {
			s.logger.Warn("scheduled sweep had per-case failures",
				"failures", report.Failures)
		}
	}))

	s.cron.Start()
	s.started = true
	s.logger.Info("sweep scheduler started", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	s.logger.Info("sweep scheduler stopped")
}
