package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reelforge/reelforge/internal/broker"
	"github.com/reelforge/reelforge/internal/metrics"
	"github.com/reelforge/reelforge/internal/observability"
	"github.com/reelforge/reelforge/internal/repository"
	"github.com/reelforge/reelforge/internal/retention"
)

// SchedulerConfig tunes the upkeep cadence.
type SchedulerConfig struct {
	// ReaperCron is a standard five-field cron expression for retention
	// cycles.
	ReaperCron string

	// StaleCheckInterval is how often lost PROCESSING jobs are swept
	// back onto the queue.
	StaleCheckInterval time.Duration

	// Visibility mirrors the queue's visibility timeout; together with
	// StaleSlack it defines when a lease counts as dead.
	Visibility time.Duration

	// StaleSlack pads the visibility timeout before a lease is declared
	// dead.
	StaleSlack time.Duration
}

// DefaultSchedulerConfig returns the default upkeep cadence.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ReaperCron:         "*/10 * * * *",
		StaleCheckInterval: time.Minute,
		Visibility:         15 * time.Minute,
		StaleSlack:         2 * time.Minute,
	}
}

// Scheduler drives the time-based upkeep loops. It never touches job
// status itself: stale jobs are only re-enqueued, and the pickup guard
// decides who acts.
type Scheduler struct {
	reaper *retention.Reaper
	jobs   repository.JobRepository
	queue  broker.Broker
	config *SchedulerConfig
	logger *slog.Logger

	schedule cron.Schedule

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil config uses
// DefaultSchedulerConfig. The cron expression is validated here.
func NewScheduler(reaper *retention.Reaper, jobs repository.JobRepository, queue broker.Broker, config *SchedulerConfig) (*Scheduler, error) {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	schedule, err := cron.ParseStandard(config.ReaperCron)
	if err != nil {
		return nil, fmt.Errorf("parsing reaper cron %q: %w", config.ReaperCron, err)
	}

	return &Scheduler{
		reaper:   reaper,
		jobs:     jobs,
		queue:    queue,
		config:   config,
		logger:   slog.Default(),
		schedule: schedule,
	}, nil
}

// WithLogger sets the logger used by the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = observability.WithComponent(logger, "scheduler")
	return s
}

// Start launches the reaper and stale-sweep loops.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(2)
	go s.reaperLoop()
	go s.staleLoop()

	s.logger.Info("scheduler started",
		slog.String("reaper_cron", s.config.ReaperCron),
		slog.Time("next_reap", s.schedule.Next(time.Now())),
		slog.Duration("stale_check_interval", s.config.StaleCheckInterval),
	)
	return nil
}

// Stop halts both loops and waits for an in-progress cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// reaperLoop fires retention cycles on the cron cadence.
func (s *Scheduler) reaperLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.reaper.RunCycle(s.ctx)
			timer.Reset(time.Until(s.schedule.Next(time.Now())))
		}
	}
}

// staleLoop periodically sweeps lost jobs and samples queue depth.
func (s *Scheduler) staleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.requeueStale(s.ctx)
			s.sampleQueueDepth(s.ctx)
		}
	}
}

// requeueStale puts PROCESSING jobs with a dead lease back on the queue.
// The job row is untouched: if the old worker is somehow still alive, its
// fresh lease makes the new delivery a no-op at pickup.
func (s *Scheduler) requeueStale(ctx context.Context) {
	cutoff := time.Now().Add(-(s.config.Visibility + s.config.StaleSlack))

	stale, err := s.jobs.GetStale(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing stale jobs failed", slog.String("error", err.Error()))
		return
	}

	requeued := 0
	for _, job := range stale {
		if err := s.queue.Enqueue(ctx, job.ID, 0); err != nil {
			s.logger.ErrorContext(ctx, "re-enqueueing stale job failed",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
			continue
		}

		logArgs := []any{
			slog.String("job_id", job.ID.String()),
			slog.String("picked_up_by", job.PickedUpBy),
			slog.Int("attempt", job.AttemptCount),
		}
		if job.LastPickupAt != nil {
			logArgs = append(logArgs, slog.Time("last_pickup_at", *job.LastPickupAt))
		}
		s.logger.WarnContext(ctx, "re-enqueued stale job", logArgs...)
		requeued++
	}

	metrics.AddStaleRequeues(requeued)
}

func (s *Scheduler) sampleQueueDepth(ctx context.Context) {
	depth, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "sampling queue depth failed", slog.String("error", err.Error()))
		return
	}
	metrics.RecordQueueDepth(depth)
}
