package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/reelforge/reelforge/internal/analysis"
	"github.com/reelforge/reelforge/internal/broker"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/database"
	"github.com/reelforge/reelforge/internal/database/migrations"
	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/pipeline"
	"github.com/reelforge/reelforge/internal/planner"
	"github.com/reelforge/reelforge/internal/progress"
	"github.com/reelforge/reelforge/internal/repository"
	"github.com/reelforge/reelforge/internal/retention"
	"github.com/reelforge/reelforge/internal/scheduler"
	"github.com/reelforge/reelforge/internal/storage"
)

// stack holds the wired subsystems shared by the serve and worker commands.
// The HTTP layer sits on top of it in serve; worker runs it bare.
type stack struct {
	db        *database.DB
	blobs     *storage.BlobStore
	store     *storage.ArtifactStore
	jobs      repository.JobRepository
	artifacts repository.ArtifactRepository
	events    repository.JobEventRepository
	queue     *broker.RedisBroker
	tracker   *progress.Tracker
	tools     *ffmpeg.Toolchain
	runner    *scheduler.Runner
	sched     *scheduler.Scheduler
}

// buildStack wires storage, database, queue broker and the render pipeline.
// Callers own shutdown: stop the scheduler and runner first, then Close.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	blobs, err := storage.NewBlobStore(cfg.Storage.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	// Scratch space left behind by a previous run is garbage by now;
	// every render starts from its inputs.
	if err := blobs.CleanScratch(); err != nil {
		logger.Warn("failed to clean scratch space", slog.String("error", err.Error()))
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	jobRepo := repository.NewJobRepository(db.DB)
	artifactRepo := repository.NewArtifactRepository(db.DB)
	eventRepo := repository.NewJobEventRepository(db.DB)

	store := storage.NewArtifactStore(blobs, jobRepo, artifactRepo)

	queue, err := broker.NewRedisBroker(cfg.Redis, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to queue broker: %w", err)
	}

	tools, err := ffmpeg.Resolve(ctx, cfg.Tools)
	if err != nil {
		queue.Close()
		db.Close()
		return nil, fmt.Errorf("resolving ffmpeg toolchain: %w", err)
	}
	logger.Info("ffmpeg toolchain resolved",
		slog.String("ffmpeg", tools.FFmpegPath),
		slog.String("ffprobe", tools.FFprobePath),
		slog.String("version", tools.Version),
	)

	tracker := progress.NewTracker(jobRepo, cfg.Progress.FlushInterval, logger)
	invoker := ffmpeg.NewToolInvoker(logger)

	executor := pipeline.NewExecutor(pipeline.Deps{
		Store:       store,
		Jobs:        jobRepo,
		Invoker:     invoker,
		Prober:      ffmpeg.NewProber(tools.FFprobePath),
		Analyzer:    analysis.NewAnalyzer(invoker, tools.FFmpegPath, logger),
		Planner:     planner.NewPlanner(cfg.Limits.MaxClipCount, logger),
		Tools:       tools,
		Timeouts:    cfg.Stages,
		Concurrency: cfg.Worker.StageConcurrency,
		Reporter:    tracker,
		Logger:      logger,
	})

	runner := scheduler.NewRunner(queue, jobRepo, executor, store, tracker, runnerConfig(cfg)).
		WithLogger(logger)

	reaper := retention.NewReaper(jobRepo, artifactRepo, eventRepo, store, cfg.Retention).
		WithLogger(logger)

	sched, err := scheduler.NewScheduler(reaper, jobRepo, queue, schedulerConfig(cfg))
	if err != nil {
		queue.Close()
		db.Close()
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}
	sched.WithLogger(logger)

	return &stack{
		db:        db,
		blobs:     blobs,
		store:     store,
		jobs:      jobRepo,
		artifacts: artifactRepo,
		events:    eventRepo,
		queue:     queue,
		tracker:   tracker,
		tools:     tools,
		runner:    runner,
		sched:     sched,
	}, nil
}

// Close releases the stack's connections. Stop the scheduler and runner
// before calling this so in-flight jobs can hand themselves back.
func (s *stack) Close() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			slog.Warn("closing queue broker", slog.String("error", err.Error()))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("closing database", slog.String("error", err.Error()))
		}
	}
}

func runMigrations(ctx context.Context, db *database.DB, logger *slog.Logger) error {
	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	return migrator.Up(ctx)
}

func runnerConfig(cfg *config.Config) *scheduler.RunnerConfig {
	return &scheduler.RunnerConfig{
		WorkerCount:    cfg.Worker.Count,
		PollInterval:   cfg.Worker.PollInterval,
		JobTimeout:     cfg.Worker.JobTimeout,
		DrainTimeout:   cfg.Worker.DrainTimeout,
		Visibility:     cfg.Queue.VisibilityTimeout,
		StaleSlack:     cfg.Schedule.StaleSlack,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:  cfg.Queue.RetryMaxDelay,
		TerminalTTL:    cfg.Retention.TerminalTTL.Duration(),
	}
}

func schedulerConfig(cfg *config.Config) *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		ReaperCron:         cfg.Schedule.ReaperCron,
		StaleCheckInterval: cfg.Schedule.StaleCheckInterval,
		Visibility:         cfg.Queue.VisibilityTimeout,
		StaleSlack:         cfg.Schedule.StaleSlack,
	}
}
