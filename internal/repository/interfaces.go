// Package repository defines data access interfaces for reelforge entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

// JobRepository defines operations for job persistence. Status changes go
// through guarded updates so racing workers, the cancel endpoint and the
// stale-lease checker coordinate through the database alone.
type JobRepository interface {
	// Create persists a new job and records its creation event.
	Create(ctx context.Context, job *models.Job) error
	// GetByID retrieves a job by ID. Returns nil when the job does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.Job, error)
	// GetAll retrieves all jobs, most recent first.
	GetAll(ctx context.Context) ([]*models.Job, error)
	// List retrieves jobs with pagination, most recent first.
	List(ctx context.Context, offset, limit int) ([]*models.Job, int64, error)
	// GetByStatus retrieves jobs with the given status, oldest first.
	GetByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	// Update saves the full job record.
	Update(ctx context.Context, job *models.Job) error
	// AcquireJob atomically claims a job for a worker: a PENDING job, or a
	// PROCESSING job whose lease expired before staleBefore, moves to
	// PROCESSING with an incremented attempt count and a fresh lease.
	// Returns nil when the job is missing, terminal, freshly leased by
	// another worker or out of attempts; the caller should ack the delivery
	// and move on.
	AcquireJob(ctx context.Context, id models.ULID, workerID string, staleBefore time.Time) (*models.Job, error)
	// ReleaseForRetry drops the worker's lease after a retryable failure so
	// the backoff redelivery can re-enter the PROCESSING self-loop. The
	// attempt's error is recorded on the row. Returns false when the job is
	// no longer PROCESSING.
	ReleaseForRetry(ctx context.Context, id models.ULID, jobErr models.JobError) (bool, error)
	// CompleteWithArtifact persists the output artifact and moves the job to
	// COMPLETED in a single transaction. Returns false without writing
	// anything when the job is no longer PROCESSING.
	CompleteWithArtifact(ctx context.Context, id models.ULID, output *models.Artifact, retainUntil time.Time) (bool, error)
	// MarkFailed records the structured error and moves the job to FAILED.
	// Returns false when the job is already terminal.
	MarkFailed(ctx context.Context, id models.ULID, jobErr models.JobError, retainUntil time.Time) (bool, error)
	// MarkCancelled moves a non-terminal job to CANCELLED. Returns false
	// when the job is already terminal.
	MarkCancelled(ctx context.Context, id models.ULID, retainUntil time.Time) (bool, error)
	// UpdateProgress advances progress and the current step label. Writes
	// that would decrease progress are dropped so progress stays monotonic;
	// returns false when nothing was written.
	UpdateProgress(ctx context.Context, id models.ULID, progress int, currentStep string) (bool, error)
	// GetStale retrieves PROCESSING jobs whose lease is older than olderThan.
	GetStale(ctx context.Context, olderThan time.Time) ([]*models.Job, error)
	// GetReapable retrieves terminal jobs whose retention deadline has passed.
	GetReapable(ctx context.Context, now time.Time) ([]*models.Job, error)
	// GetAbandoned retrieves non-terminal jobs created before olderThan.
	GetAbandoned(ctx context.Context, olderThan time.Time) ([]*models.Job, error)
	// Delete removes a job row permanently.
	Delete(ctx context.Context, id models.ULID) error
}

// ArtifactClaim pairs an uploaded artifact with the canonical input name it
// takes once attached to a job.
type ArtifactClaim struct {
	ID   models.ULID
	Name string
}

// ArtifactRepository defines operations for artifact persistence.
type ArtifactRepository interface {
	// Create persists a new artifact.
	Create(ctx context.Context, artifact *models.Artifact) error
	// CreateBatch persists multiple artifacts in a single batch.
	CreateBatch(ctx context.Context, artifacts []*models.Artifact) error
	// Upsert creates the artifact or refreshes the existing row with the
	// same (job_id, stage, name). Stage retries rewrite the same logical
	// artifact; the passed struct is reloaded with the surviving row.
	Upsert(ctx context.Context, artifact *models.Artifact) error
	// GetByID retrieves an artifact by ID. Returns nil when it does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.Artifact, error)
	// GetByJobID retrieves all artifacts for a job, oldest first.
	GetByJobID(ctx context.Context, jobID models.ULID) ([]*models.Artifact, error)
	// GetByJobAndStage retrieves a job's artifacts for one stage, ordered by name.
	GetByJobAndStage(ctx context.Context, jobID models.ULID, stage models.Stage) ([]*models.Artifact, error)
	// GetByJobStageName retrieves a single artifact by its unique key.
	GetByJobStageName(ctx context.Context, jobID models.ULID, stage models.Stage, name string) (*models.Artifact, error)
	// ClaimForJob attaches uploads to a job and renames them to their
	// canonical input names in one transaction. An upload that is missing or
	// already attached loses the claim with ErrClaimLost and nothing is
	// written.
	ClaimForJob(ctx context.Context, jobID models.ULID, claims []ArtifactClaim) error
	// ReleaseFromJob reverses a claim: the artifacts return to the
	// unattached pool under their original names. Rows no longer held by
	// the job are left alone.
	ReleaseFromJob(ctx context.Context, jobID models.ULID, restores []ArtifactClaim) error
	// GetUnattachedOlderThan retrieves unattached artifacts created before
	// the given time.
	GetUnattachedOlderThan(ctx context.Context, olderThan time.Time) ([]*models.Artifact, error)
	// Delete removes an artifact row permanently.
	Delete(ctx context.Context, id models.ULID) error
	// DeleteByJobID removes all artifact rows for a job permanently.
	DeleteByJobID(ctx context.Context, jobID models.ULID) (int64, error)
	// DeleteByJobAndStage removes a job's artifact rows for one stage permanently.
	DeleteByJobAndStage(ctx context.Context, jobID models.ULID, stage models.Stage) (int64, error)
}

// JobEventRepository defines operations for the job transition log.
type JobEventRepository interface {
	// Create persists a job event.
	Create(ctx context.Context, event *models.JobEvent) error
	// GetByJobID retrieves a job's events, oldest first.
	GetByJobID(ctx context.Context, jobID models.ULID) ([]*models.JobEvent, error)
	// DeleteByJobID removes all events for a job permanently.
	DeleteByJobID(ctx context.Context, jobID models.ULID) (int64, error)
}
