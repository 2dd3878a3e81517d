// Package scheduler runs cron-scheduled workflow executions: a polling
// loop over the schedules table that starts due templates through the
// coordinator.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mirelk/stepflow/internal/store"
	"github.com/mirelk/stepflow/pkg/schema"
)

// scheduleParser accepts standard 5-field cron expressions.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next fire time of a cron expression after from.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := scheduleParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q", cronExpr).WithCause(err)
	}
	return schedule.Next(from), nil
}

// ValidateCron rejects malformed cron expressions.
func ValidateCron(cronExpr string) error {
	_, err := NextRun(cronExpr, time.Now().UTC())
	return err
}

// Starter is the surface the scheduler starts executions through.
// Satisfied by the coordinator.
type Starter interface {
	Execute(ctx context.Context, tpl *schema.WorkflowTemplate, inputs map[string]any, triggeredBy string) (*schema.WorkflowExecution, error)
}

// Store is the slice of the repository the scheduler needs.
type Store interface {
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
}

// Scheduler polls the store for due schedules and starts them.
type Scheduler struct {
	store   Store
	starter Starter
	logger  *slog.Logger

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// NewScheduler creates a stopped Scheduler with a 60s poll interval.
func NewScheduler(s Store, starter Starter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		logger:   logger,
		interval: 60 * time.Second,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next_run_at has passed. A
// schedule with no next_run_at yet is treated as due.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{EnabledOnly: true})
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // previous fire still in flight
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to fire schedule",
				"schedule_id", sched.ID, "template_id", sched.TemplateID, "error", err)
		}
		s.release(sched.ID)
	}
}

// fire starts one execution for a due schedule and advances its
// timestamps. The execution runs on its own goroutine; fire only blocks
// for the start itself.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	tpl, err := s.store.GetTemplate(ctx, sched.TemplateID)
	if err != nil {
		return fmt.Errorf("load template for schedule %q: %w", sched.ID, err)
	}

	s.logger.Info("firing schedule",
		"schedule_id", sched.ID, "workflow", tpl.Name, "cron", sched.CronExpr)

	if _, err := s.starter.Execute(ctx, tpl, sched.InputParameters, "schedule:"+sched.ID); err != nil {
		// Capacity and validation rejections still advance next_run_at so a
		// broken schedule cannot hot-loop.
		s.logger.Error("scheduled execution rejected",
			"schedule_id", sched.ID, "workflow", tpl.Name, "error", err)
	}

	return s.advance(ctx, sched, now)
}

// advance stamps last_run_at and computes the next fire time.
func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time) error {
	next, err := NextRun(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	})
}

// tryAcquire marks a schedule in-flight; false when it already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// RecoverMissed fires schedules whose next_run_at passed while the
// process was down. Each missed schedule fires once, not once per missed
// interval.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				"schedule_id", sched.ID, "error", err)
			s.release(sched.ID)
			continue
		}
		s.release(sched.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", "count", recovered)
	}
	return nil
}

// Stop shuts the polling loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
