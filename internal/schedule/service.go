// Package schedule turns stored cron schedules into task submissions. Each
// tick it loads due schedules, submits their tasks through the facade, and
// advances the next-run time.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/emeeran/yt-clipper-sub003/internal/domain"
	"github.com/emeeran/yt-clipper-sub003/internal/pool"
)

// Submitter is the slice of the facade the service needs.
type Submitter interface {
	Submit(ctx context.Context, spec domain.TaskSpec) (*pool.Handle, error)
}

// Store is the slice of the journal the service needs.
type Store interface {
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type Service struct {
	store     Store
	submitter Submitter
	log       zerolog.Logger
	stop      chan struct{}
	interval  time.Duration
}

func NewService(store Store, submitter Submitter, checkInterval time.Duration, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		submitter: submitter,
		log:       log,
		stop:      make(chan struct{}),
		interval:  checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.store.GetDueSchedules(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, sched := range schedules {
		if err := s.processSchedule(ctx, sched, now); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, sched domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		s.log.Error().Err(err).Str("cron_expr", sched.CronExpr).Msg("invalid cron expression")
		return err
	}

	h, err := s.submitter.Submit(ctx, domain.TaskSpec{
		Type:     sched.TaskType,
		Payload:  sched.Payload,
		Priority: sched.Priority,
	})
	if err != nil {
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.store.UpdateScheduleLastRun(ctx, sched.ID, now, nextRun); err != nil {
		return err
	}

	s.log.Info().
		Str("schedule_id", sched.ID).
		Str("schedule_name", sched.Name).
		Str("task_id", h.ID()).
		Time("next_run", nextRun).
		Msg("scheduled task submitted")

	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
