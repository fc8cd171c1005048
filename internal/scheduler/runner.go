// Package scheduler runs the background machinery around the work queue:
// a pool of workers that drain it through the pipeline, and a scheduler
// that keeps the system honest with reaper cycles and stale-lease
// requeues. Correctness leans on the repository's guarded transitions,
// never on coordination between processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reelforge/reelforge/internal/broker"
	"github.com/reelforge/reelforge/internal/metrics"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/observability"
	"github.com/reelforge/reelforge/internal/pipeline"
	"github.com/reelforge/reelforge/internal/progress"
	"github.com/reelforge/reelforge/internal/repository"
	"github.com/reelforge/reelforge/internal/storage"
)

// PipelineRunner turns a claimed job into its output artifact.
// *pipeline.Executor is the production implementation; tests substitute
// a stub.
type PipelineRunner interface {
	Run(ctx context.Context, job *models.Job) (*models.Artifact, error)
}

// RunnerConfig tunes the worker pool.
type RunnerConfig struct {
	// WorkerCount is the number of concurrent pickup loops.
	WorkerCount int

	// PollInterval is the sleep between polls when the queue is empty.
	PollInterval time.Duration

	// JobTimeout bounds one whole pipeline run.
	JobTimeout time.Duration

	// DrainTimeout is how long Stop waits for in-flight jobs before
	// aborting them.
	DrainTimeout time.Duration

	// Visibility is the delivery visibility timeout requested on dequeue.
	Visibility time.Duration

	// StaleSlack pads the visibility timeout when judging another
	// worker's lease dead at pickup.
	StaleSlack time.Duration

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	// TerminalTTL sets the retention deadline stamped on terminal jobs.
	TerminalTTL time.Duration
}

// DefaultRunnerConfig returns the default worker pool configuration.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		WorkerCount:    2,
		PollInterval:   500 * time.Millisecond,
		JobTimeout:     15 * time.Minute,
		DrainTimeout:   30 * time.Second,
		Visibility:     15 * time.Minute,
		StaleSlack:     2 * time.Minute,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  10 * time.Minute,
		TerminalTTL:    time.Hour,
	}
}

// Runner owns the worker pool. Workers are stateless: every decision re-reads
// the job row through a guarded transition, so any number of runners can
// share one queue.
type Runner struct {
	queue    broker.Broker
	jobs     repository.JobRepository
	pipeline PipelineRunner
	store    *storage.ArtifactStore
	tracker  *progress.Tracker
	config   *RunnerConfig
	logger   *slog.Logger
	instance string

	active atomic.Int64

	mu      sync.Mutex
	running bool
	// pullCtx gates dequeues and dies first on Stop; jobCtx keeps
	// in-flight pipeline runs alive through the drain window.
	pullCtx    context.Context
	pullCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a worker pool over the queue. A nil config uses
// DefaultRunnerConfig.
func NewRunner(
	queue broker.Broker,
	jobs repository.JobRepository,
	pipe PipelineRunner,
	store *storage.ArtifactStore,
	tracker *progress.Tracker,
	config *RunnerConfig,
) *Runner {
	if config == nil {
		config = DefaultRunnerConfig()
	}
	return &Runner{
		queue:    queue,
		jobs:     jobs,
		pipeline: pipe,
		store:    store,
		tracker:  tracker,
		config:   config,
		logger:   slog.Default(),
		instance: instanceName(),
	}
}

// WithLogger sets the logger used by the runner and its workers.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = observability.WithComponent(logger, "worker")
	return r
}

// Start launches the worker pool.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("runner already running")
	}

	r.pullCtx, r.pullCancel = context.WithCancel(context.Background())
	r.jobCtx, r.jobCancel = context.WithCancel(context.Background())
	r.running = true

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.logger.Info("worker runner started",
		slog.String("instance", r.instance),
		slog.Int("workers", r.config.WorkerCount),
		slog.Duration("poll_interval", r.config.PollInterval),
		slog.Duration("job_timeout", r.config.JobTimeout),
	)
	return nil
}

// Stop drains the pool: no new deliveries are pulled, in-flight jobs get
// DrainTimeout to finish, then anything still running is aborted and its
// job handed back to the queue.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	pullCancel := r.pullCancel
	jobCancel := r.jobCancel
	r.mu.Unlock()

	pullCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.config.DrainTimeout):
		r.logger.Warn("drain timeout exceeded, aborting in-flight jobs",
			slog.Int64("active_jobs", r.active.Load()))
		jobCancel()
		<-done
	}

	jobCancel()
	r.logger.Info("worker runner stopped")
}

// RunnerStatus is a point-in-time snapshot for health reporting.
type RunnerStatus struct {
	Running    bool  `json:"running"`
	Workers    int   `json:"workers"`
	ActiveJobs int64 `json:"active_jobs"`
}

// Status reports the pool's current state.
func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	return RunnerStatus{
		Running:    running,
		Workers:    r.config.WorkerCount,
		ActiveJobs: r.active.Load(),
	}
}

// worker is one pickup loop: dequeue, claim, run, settle.
func (r *Runner) worker(index int) {
	defer r.wg.Done()

	workerID := fmt.Sprintf("%s-w%d", r.instance, index)
	logger := observability.WithWorkerID(r.logger, workerID)
	logger.Debug("worker started")

	for {
		msg, err := r.queue.Dequeue(r.pullCtx, r.config.Visibility)
		if err != nil {
			if r.pullCtx.Err() != nil {
				logger.Debug("worker stopping")
				return
			}
			logger.Error("dequeue failed", slog.String("error", err.Error()))
			if !r.sleep(r.config.PollInterval) {
				return
			}
			continue
		}
		if msg == nil {
			if !r.sleep(r.config.PollInterval) {
				return
			}
			continue
		}

		r.processDelivery(workerID, logger, msg)
	}
}

// sleep waits out the poll interval; false means the runner is stopping.
func (r *Runner) sleep(d time.Duration) bool {
	select {
	case <-r.pullCtx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// processDelivery settles one delivery end to end. The claim's CAS decides
// whether this worker acts at all; deliveries for terminal, missing or
// freshly-leased jobs are acked and skipped.
func (r *Runner) processDelivery(workerID string, logger *slog.Logger, msg *broker.Message) {
	ctx := r.jobCtx
	staleBefore := time.Now().Add(-(r.config.Visibility + r.config.StaleSlack))

	job, err := r.jobs.AcquireJob(ctx, msg.JobID, workerID, staleBefore)
	if err != nil {
		logger.Error("claiming job failed",
			slog.String("job_id", msg.JobID.String()),
			slog.String("error", err.Error()))
		r.nack(ctx, msg, r.config.RetryBaseDelay, logger)
		return
	}
	if job == nil {
		logger.Debug("delivery not actionable, acking",
			slog.String("job_id", msg.JobID.String()),
			slog.String("delivery_id", msg.DeliveryID))
		r.ack(ctx, msg, logger)
		return
	}

	logger = observability.WithJobID(logger, job.ID.String())
	logger.Info("job picked up",
		slog.Int("attempt", job.AttemptCount),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("style", string(job.Style)),
	)

	r.active.Add(1)
	metrics.IncJobsInFlight()
	defer func() {
		r.active.Add(-1)
		metrics.DecJobsInFlight()
	}()

	r.tracker.Attach(job.ID, job.ClipCount)
	defer r.tracker.Detach(job.ID)

	runCtx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	defer cancel()

	started := time.Now()
	output, err := r.pipeline.Run(runCtx, job)
	if err != nil {
		r.settleFailure(ctx, job, msg, err, logger)
		return
	}
	r.settleSuccess(ctx, job, output, msg, logger, time.Since(started))
}

func (r *Runner) settleSuccess(ctx context.Context, job *models.Job, output *models.Artifact, msg *broker.Message, logger *slog.Logger, took time.Duration) {
	retainUntil := time.Now().Add(r.config.TerminalTTL)

	won, err := r.jobs.CompleteWithArtifact(ctx, job.ID, output, retainUntil)
	if err != nil {
		// Completion will be repeated after the stale horizon; the
		// pipeline stages are idempotent.
		logger.Error("completing job failed", slog.String("error", err.Error()))
		r.nack(ctx, msg, r.config.RetryBaseDelay, logger)
		return
	}
	if !won {
		// Cancelled while the last stages ran.
		logger.Info("job went terminal during processing, dropping result")
		r.cleanupCancelled(ctx, job.ID, logger)
		metrics.IncJobOutcome("cancelled")
		r.ack(ctx, msg, logger)
		return
	}

	logger.Info("job completed",
		slog.String("output_artifact_id", output.ID.String()),
		slog.Duration("duration", took),
		slog.Int("attempt", job.AttemptCount),
	)
	metrics.IncJobOutcome("completed")
	r.ack(ctx, msg, logger)
}

// settleFailure applies the retry policy: cancellation observed means
// cleanup, retryable failures with attempts left go back to the queue
// with backoff, everything else is persisted as FAILED.
func (r *Runner) settleFailure(ctx context.Context, job *models.Job, msg *broker.Message, runErr error, logger *slog.Logger) {
	var sf *pipeline.StageFailure
	jobErr := models.JobError{
		Kind:    models.ErrorKindFatalTool,
		Message: runErr.Error(),
	}
	if errors.As(runErr, &sf) {
		jobErr = sf.JobError
	}

	if ctx.Err() != nil {
		r.releaseInterrupted(job, msg, jobErr, logger)
		return
	}

	if jobErr.Kind == models.ErrorKindCancelled {
		logger.Info("cancellation observed, cleaning up partial artifacts")
		r.cleanupCancelled(ctx, job.ID, logger)
		metrics.IncJobOutcome("cancelled")
		r.ack(ctx, msg, logger)
		return
	}

	if jobErr.Retryable && job.CanRetry() {
		delay := job.NextRetryDelay(r.config.RetryBaseDelay, r.config.RetryMaxDelay)

		released, err := r.jobs.ReleaseForRetry(ctx, job.ID, jobErr)
		if err != nil {
			logger.Error("releasing job for retry failed", slog.String("error", err.Error()))
			r.nack(ctx, msg, r.config.RetryBaseDelay, logger)
			return
		}
		if !released {
			// Lost to a concurrent cancel.
			r.cleanupCancelled(ctx, job.ID, logger)
			metrics.IncJobOutcome("cancelled")
			r.ack(ctx, msg, logger)
			return
		}

		logger.Warn("job attempt failed, retrying",
			slog.String("kind", string(jobErr.Kind)),
			slog.String("stage", string(jobErr.Stage)),
			slog.Int("attempt", job.AttemptCount),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Duration("retry_delay", delay),
		)
		metrics.IncJobRetry()
		r.nack(ctx, msg, delay, logger)
		return
	}

	retainUntil := time.Now().Add(r.config.TerminalTTL)
	won, err := r.jobs.MarkFailed(ctx, job.ID, jobErr, retainUntil)
	if err != nil {
		logger.Error("marking job failed errored", slog.String("error", err.Error()))
		r.nack(ctx, msg, r.config.RetryBaseDelay, logger)
		return
	}
	if !won {
		r.cleanupCancelled(ctx, job.ID, logger)
		metrics.IncJobOutcome("cancelled")
		r.ack(ctx, msg, logger)
		return
	}

	logger.Error("job failed",
		slog.String("kind", string(jobErr.Kind)),
		slog.String("stage", string(jobErr.Stage)),
		slog.Int("attempt", job.AttemptCount),
		slog.Bool("retryable", jobErr.Retryable),
	)
	metrics.IncJobOutcome("failed")
	r.ack(ctx, msg, logger)
}

// releaseInterrupted hands a job back after Stop aborted its run. The
// lease is dropped over a fresh context so the immediate redelivery is
// claimable by another instance.
func (r *Runner) releaseInterrupted(job *models.Job, msg *broker.Message, jobErr models.JobError, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := models.JobError{
		Kind:      models.ErrorKindTransientTool,
		Stage:     jobErr.Stage,
		Message:   "interrupted by worker shutdown",
		Retryable: true,
	}
	released, err := r.jobs.ReleaseForRetry(ctx, job.ID, release)
	if err != nil || !released {
		// Visibility expiry and the stale sweep recover the job.
		logger.Warn("could not release interrupted job, leaving delivery in flight")
		return
	}

	logger.Info("released interrupted job back to queue")
	r.nack(ctx, msg, 0, logger)
}

// cleanupCancelled deletes the stage outputs a dead run left behind.
// Inputs stay; the retention reaper removes them with the job row later.
func (r *Runner) cleanupCancelled(ctx context.Context, jobID models.ULID, logger *slog.Logger) {
	for _, stage := range models.PipelineStages {
		if err := r.store.DeleteStage(ctx, jobID, stage); err != nil {
			logger.Warn("deleting partial stage artifacts failed",
				slog.String("stage", string(stage)),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) ack(ctx context.Context, msg *broker.Message, logger *slog.Logger) {
	if err := r.queue.Ack(ctx, msg.DeliveryID); err != nil {
		logger.Warn("acking delivery failed",
			slog.String("delivery_id", msg.DeliveryID),
			slog.String("error", err.Error()))
	}
}

func (r *Runner) nack(ctx context.Context, msg *broker.Message, delay time.Duration, logger *slog.Logger) {
	if err := r.queue.Nack(ctx, msg.DeliveryID, delay); err != nil {
		logger.Warn("nacking delivery failed",
			slog.String("delivery_id", msg.DeliveryID),
			slog.String("error", err.Error()))
	}
}

// instanceName builds a queue-wide unique worker prefix.
func instanceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "reelforge"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
