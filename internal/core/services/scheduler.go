package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Schedule is one periodic maintenance job.
type Schedule struct {
	Type    domain.JobType
	Every   time.Duration
	Payload any
}

// Scheduler enqueues maintenance jobs on fixed intervals. It runs as a
// supervised service; the jobs themselves execute on the workers.
type Scheduler struct {
	queue     ports.JobQueue
	schedules []Schedule
	log       zerolog.Logger
}

// NewScheduler drops schedules with a non-positive interval.
func NewScheduler(queue ports.JobQueue, schedules []Schedule, log zerolog.Logger) *Scheduler {
	var active []Schedule
	for _, s := range schedules {
		if s.Every > 0 {
			active = append(active, s)
		}
	}
	return &Scheduler{queue: queue, schedules: active, log: log.With().Str("component", "scheduler").Logger()}
}

func (s *Scheduler) String() string { return "maintenance-scheduler" }

func (s *Scheduler) Serve(ctx context.Context) error {
	if len(s.schedules) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	type tick struct {
		sched Schedule
		c     <-chan time.Time
	}
	ticks := make(chan Schedule)
	for _, sched := range s.schedules {
		t := time.NewTicker(sched.Every)
		defer t.Stop()
		go func(tk tick) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-tk.c:
					select {
					case ticks <- tk.sched:
					case <-ctx.Done():
						return
					}
				}
			}
		}(tick{sched: sched, c: t.C})
	}

	s.log.Info().Int("jobs", len(s.schedules)).Msg("maintenance scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sched := <-ticks:
			s.enqueue(ctx, sched)
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, sched Schedule) {
	h, err := s.queue.Enqueue(ctx, sched.Type, sched.Payload)
	if err != nil {
		s.log.Warn().Err(err).Str("job_type", string(sched.Type)).Msg("failed to enqueue maintenance job")
		return
	}
	s.log.Debug().Str("job_type", string(sched.Type)).Str("job_id", h.ID()).Msg("maintenance job enqueued")
}
