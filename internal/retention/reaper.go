// Package retention removes expired state: terminal jobs past their
// retention deadline, abandoned jobs that never finished, and uploaded
// inputs nobody attached to a job.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/metrics"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/observability"
	"github.com/reelforge/reelforge/internal/repository"
	"github.com/reelforge/reelforge/internal/storage"
)

// Reaper deletes expired jobs and their data. Blobs are removed before
// rows; when a blob deletion fails the job's rows stay put and the next
// cycle retries the whole job. Cycles are idempotent, so overlapping or
// repeated runs are harmless.
type Reaper struct {
	jobs      repository.JobRepository
	artifacts repository.ArtifactRepository
	events    repository.JobEventRepository
	store     *storage.ArtifactStore
	cfg       config.RetentionConfig
	logger    *slog.Logger
}

// NewReaper creates a reaper over the given repositories and store.
func NewReaper(
	jobs repository.JobRepository,
	artifacts repository.ArtifactRepository,
	events repository.JobEventRepository,
	store *storage.ArtifactStore,
	cfg config.RetentionConfig,
) *Reaper {
	return &Reaper{
		jobs:      jobs,
		artifacts: artifacts,
		events:    events,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used by the reaper.
func (r *Reaper) WithLogger(logger *slog.Logger) *Reaper {
	r.logger = observability.WithComponent(logger, "reaper")
	return r
}

// CycleStats summarizes one reaper pass.
type CycleStats struct {
	// TerminalReaped counts finished jobs deleted past their retention
	// deadline.
	TerminalReaped int
	// AbandonedReaped counts non-terminal jobs deleted past the
	// abandonment horizon.
	AbandonedReaped int
	// UploadsPruned counts unattached input artifacts deleted.
	UploadsPruned int
	// Skipped counts jobs left for the next cycle after a deletion
	// failure.
	Skipped int
}

// RunCycle performs one full reaper pass. Failures are logged and the
// affected job or upload is left for the next cycle.
func (r *Reaper) RunCycle(ctx context.Context) CycleStats {
	now := time.Now().UTC()
	var stats CycleStats

	reapable, err := r.jobs.GetReapable(ctx, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "listing expired jobs failed", slog.String("error", err.Error()))
	} else {
		stats.TerminalReaped, stats.Skipped = r.reapJobs(ctx, reapable, "expired")
		metrics.AddReapedJobs("terminal", stats.TerminalReaped)
	}

	abandoned, err := r.jobs.GetAbandoned(ctx, now.Add(-r.cfg.AbandonedTTL.Duration()))
	if err != nil {
		r.logger.ErrorContext(ctx, "listing abandoned jobs failed", slog.String("error", err.Error()))
	} else {
		reaped, skipped := r.reapJobs(ctx, abandoned, "abandoned")
		stats.AbandonedReaped = reaped
		stats.Skipped += skipped
		metrics.AddReapedJobs("abandoned", reaped)
	}

	stats.UploadsPruned = r.pruneUploads(ctx, now.Add(-r.cfg.UploadTTL.Duration()))

	if err := r.store.Blobs().CleanupEmptyDirs(); err != nil {
		r.logger.WarnContext(ctx, "cleaning empty blob directories failed", slog.String("error", err.Error()))
	}

	if stats.TerminalReaped+stats.AbandonedReaped+stats.UploadsPruned+stats.Skipped > 0 {
		r.logger.InfoContext(ctx, "reaper cycle complete",
			slog.Int("terminal_reaped", stats.TerminalReaped),
			slog.Int("abandoned_reaped", stats.AbandonedReaped),
			slog.Int("uploads_pruned", stats.UploadsPruned),
			slog.Int("skipped", stats.Skipped),
		)
	}
	return stats
}

func (r *Reaper) reapJobs(ctx context.Context, jobs []*models.Job, reason string) (reaped, skipped int) {
	for _, job := range jobs {
		if ctx.Err() != nil {
			return reaped, skipped
		}
		if err := r.reapJob(ctx, job); err != nil {
			r.logger.WarnContext(ctx, "reaping job failed, will retry next cycle",
				slog.String("job_id", job.ID.String()),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			skipped++
			continue
		}
		r.logger.InfoContext(ctx, "reaped job",
			slog.String("job_id", job.ID.String()),
			slog.String("status", string(job.Status)),
			slog.String("reason", reason),
		)
		reaped++
	}
	return reaped, skipped
}

// reapJob removes one job: blobs, artifact rows, events, then the job
// row. The store aborts before touching rows if any blob deletion
// fails, which keeps the job discoverable for the next cycle.
func (r *Reaper) reapJob(ctx context.Context, job *models.Job) error {
	if err := r.store.DeleteJobData(ctx, job.ID); err != nil {
		return err
	}
	if _, err := r.events.DeleteByJobID(ctx, job.ID); err != nil {
		return err
	}
	return r.jobs.Delete(ctx, job.ID)
}

// pruneUploads deletes unattached input artifacts older than the upload
// horizon. Uploads attached to a job in the meantime are not listed and
// survive.
func (r *Reaper) pruneUploads(ctx context.Context, olderThan time.Time) int {
	uploads, err := r.artifacts.GetUnattachedOlderThan(ctx, olderThan)
	if err != nil {
		r.logger.ErrorContext(ctx, "listing unattached uploads failed", slog.String("error", err.Error()))
		return 0
	}

	pruned := 0
	for _, upload := range uploads {
		if ctx.Err() != nil {
			return pruned
		}
		if err := r.store.DeleteArtifact(ctx, upload); err != nil {
			r.logger.WarnContext(ctx, "pruning upload failed, will retry next cycle",
				slog.String("artifact_id", upload.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		pruned++
	}
	return pruned
}
