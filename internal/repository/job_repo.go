package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelforge/reelforge/internal/models"
	"gorm.io/gorm"
)

// errTransitionLost aborts a transaction whose guarded status update matched
// no row, rolling back any writes made before the guard.
var errTransitionLost = errors.New("job transition lost")

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *jobRepo {
	return &jobRepo{db: db}
}

// Create persists a new job and records its creation event.
func (r *jobRepo) Create(ctx context.Context, job *models.Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("creating job: %w", err)
		}
		event := models.NewJobEvent(job.ID, "", job.Status, job.AttemptCount, "created")
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("recording job creation: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting job by ID: %w", err)
	}
	return &job, nil
}

// GetAll retrieves all jobs, most recent first.
func (r *jobRepo) GetAll(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting all jobs: %w", err)
	}
	return jobs, nil
}

// List retrieves jobs with pagination, most recent first.
func (r *jobRepo) List(ctx context.Context, offset, limit int) ([]*models.Job, int64, error) {
	var jobs []*models.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&models.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}

	return jobs, total, nil
}

// GetByStatus retrieves jobs with the given status, oldest first.
func (r *jobRepo) GetByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting jobs by status: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status.
func (r *jobRepo) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting jobs by status: %w", err)
	}

	counts := make(map[models.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Update saves the full job record.
func (r *jobRepo) Update(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return nil
}

// AcquireJob atomically claims a job for a worker. The staleness condition is
// part of the guard so a duplicate delivery can never steal a job whose
// worker is still alive, and the attempt bound is part of the guard so two
// workers can never both hold the final attempt.
func (r *jobRepo) AcquireJob(ctx context.Context, id models.ULID, workerID string, staleBefore time.Time) (*models.Job, error) {
	var job models.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("loading job for pickup: %w", err)
		}

		from := job.Status
		now := time.Now()

		// Use UpdateColumns to skip hooks (BeforeUpdate validation requires
		// the full model). updated_at must be set explicitly for the same
		// reason.
		columns := map[string]interface{}{
			"status":         models.JobStatusProcessing,
			"attempt_count":  gorm.Expr("attempt_count + 1"),
			"last_pickup_at": now,
			"picked_up_by":   workerID,
			"updated_at":     now,
		}
		if job.StartedAt == nil {
			columns["started_at"] = now
		}

		result := tx.Model(&models.Job{}).
			Where("id = ? AND attempt_count < max_attempts AND (status = ? OR (status = ? AND (last_pickup_at IS NULL OR last_pickup_at <= ?)))",
				id, models.JobStatusPending, models.JobStatusProcessing, staleBefore).
			UpdateColumns(columns)
		if result.Error != nil {
			return fmt.Errorf("claiming job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errTransitionLost
		}

		event := models.NewJobEvent(id, from, models.JobStatusProcessing, job.AttemptCount+1, "picked up by "+workerID)
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("recording pickup event: %w", err)
		}

		return tx.Where("id = ?", id).First(&job).Error
	})

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, errTransitionLost) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ReleaseForRetry drops the worker's lease after a retryable failure. The
// job stays PROCESSING with a NULL lease, which the pickup guard treats as
// released, so the backoff redelivery can re-enter without waiting out the
// stale horizon. The attempt's error is recorded on the row for operators.
func (r *jobRepo) ReleaseForRetry(ctx context.Context, id models.ULID, jobErr models.JobError) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("loading job for release: %w", err)
		}

		columns := map[string]interface{}{
			"last_pickup_at":  nil,
			"picked_up_by":    "",
			"error_kind":      jobErr.Kind,
			"error_stage":     jobErr.Stage,
			"error_message":   jobErr.Message,
			"error_retryable": jobErr.Retryable,
			"updated_at":      time.Now(),
		}

		result := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", id, models.JobStatusProcessing).
			UpdateColumns(columns)
		if result.Error != nil {
			return fmt.Errorf("releasing job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errTransitionLost
		}

		event := models.NewJobEvent(id, models.JobStatusProcessing, models.JobStatusProcessing,
			job.AttemptCount, "released for retry: "+failureNote(jobErr))
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("recording release event: %w", err)
		}
		return nil
	})

	return transitionOutcome(err)
}

// CompleteWithArtifact persists the output artifact and completes the job in
// a single transaction, so a crash can never leave a COMPLETED job without
// its output row.
func (r *jobRepo) CompleteWithArtifact(ctx context.Context, id models.ULID, output *models.Artifact, retainUntil time.Time) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("loading job for completion: %w", err)
		}
		from := job.Status

		output.JobID = &job.ID
		if err := upsertArtifact(tx, output); err != nil {
			return fmt.Errorf("persisting output artifact: %w", err)
		}

		job.MarkCompleted(output.ID)
		columns := map[string]interface{}{
			"status":             job.Status,
			"progress":           job.Progress,
			"current_step":       job.CurrentStep,
			"completed_at":       job.CompletedAt,
			"duration_ms":        job.DurationMs,
			"output_artifact_id": job.OutputArtifactID,
			"picked_up_by":       "",
			"error_kind":         "",
			"error_stage":        "",
			"error_message":      "",
			"error_retryable":    false,
			"retention_deadline": retainUntil,
			"updated_at":         time.Now(),
		}

		result := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", id, models.JobStatusProcessing).
			UpdateColumns(columns)
		if result.Error != nil {
			return fmt.Errorf("completing job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errTransitionLost
		}

		event := models.NewJobEvent(id, from, models.JobStatusCompleted, job.AttemptCount, "output "+output.Name)
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("recording completion event: %w", err)
		}
		return nil
	})

	return transitionOutcome(err)
}

// MarkFailed records the structured error and moves the job to FAILED.
func (r *jobRepo) MarkFailed(ctx context.Context, id models.ULID, jobErr models.JobError, retainUntil time.Time) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("loading job for failure: %w", err)
		}
		from := job.Status

		job.MarkFailed(jobErr)
		columns := map[string]interface{}{
			"status":             job.Status,
			"completed_at":       job.CompletedAt,
			"duration_ms":        job.DurationMs,
			"picked_up_by":       "",
			"error_kind":         jobErr.Kind,
			"error_stage":        jobErr.Stage,
			"error_message":      jobErr.Message,
			"error_retryable":    jobErr.Retryable,
			"retention_deadline": retainUntil,
			"updated_at":         time.Now(),
		}

		result := tx.Model(&models.Job{}).
			Where("id = ? AND status IN (?, ?, ?)",
				id, models.JobStatusPending, models.JobStatusUploading, models.JobStatusProcessing).
			UpdateColumns(columns)
		if result.Error != nil {
			return fmt.Errorf("marking job failed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errTransitionLost
		}

		event := models.NewJobEvent(id, from, models.JobStatusFailed, job.AttemptCount, failureNote(jobErr))
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("recording failure event: %w", err)
		}
		return nil
	})

	return transitionOutcome(err)
}

// MarkCancelled moves a non-terminal job to CANCELLED.
func (r *jobRepo) MarkCancelled(ctx context.Context, id models.ULID, retainUntil time.Time) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("loading job for cancellation: %w", err)
		}
		from := job.Status

		job.MarkCancelled()
		columns := map[string]interface{}{
			"status":             job.Status,
			"completed_at":       job.CompletedAt,
			"duration_ms":        job.DurationMs,
			"picked_up_by":       "",
			"error_kind":         models.ErrorKindCancelled,
			"error_stage":        "",
			"error_message":      "",
			"error_retryable":    false,
			"retention_deadline": retainUntil,
			"updated_at":         time.Now(),
		}

		result := tx.Model(&models.Job{}).
			Where("id = ? AND status IN (?, ?, ?)",
				id, models.JobStatusPending, models.JobStatusUploading, models.JobStatusProcessing).
			UpdateColumns(columns)
		if result.Error != nil {
			return fmt.Errorf("cancelling job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errTransitionLost
		}

		event := models.NewJobEvent(id, from, models.JobStatusCancelled, job.AttemptCount, "cancelled")
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("recording cancellation event: %w", err)
		}
		return nil
	})

	return transitionOutcome(err)
}

// UpdateProgress advances progress and the current step label. The guard
// keeps progress monotonic: a write carrying a lower value matches no row.
func (r *jobRepo) UpdateProgress(ctx context.Context, id models.ULID, progress int, currentStep string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND progress <= ?", id, progress).
		UpdateColumns(map[string]interface{}{
			"progress":     progress,
			"current_step": currentStep,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("updating job progress: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetStale retrieves PROCESSING jobs whose lease is older than olderThan.
func (r *jobRepo) GetStale(ctx context.Context, olderThan time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND last_pickup_at IS NOT NULL AND last_pickup_at <= ?", models.JobStatusProcessing, olderThan).
		Order("last_pickup_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting stale jobs: %w", err)
	}
	return jobs, nil
}

// GetReapable retrieves terminal jobs whose retention deadline has passed.
func (r *jobRepo) GetReapable(ctx context.Context, now time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status IN (?, ?, ?) AND retention_deadline IS NOT NULL AND retention_deadline <= ?",
			models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, now).
		Order("retention_deadline ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting reapable jobs: %w", err)
	}
	return jobs, nil
}

// GetAbandoned retrieves non-terminal jobs created before olderThan.
func (r *jobRepo) GetAbandoned(ctx context.Context, olderThan time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status IN (?, ?, ?) AND created_at <= ?",
			models.JobStatusPending, models.JobStatusUploading, models.JobStatusProcessing, olderThan).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting abandoned jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a job row permanently. Reaped rows must not linger as
// soft-deleted.
func (r *jobRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.Job{}).Error; err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return nil
}

// transitionOutcome maps a guarded-transition transaction result to the
// (won, err) pair reported to callers. A missing row and a lost guard both
// report false without an error.
func transitionOutcome(err error) (bool, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, errTransitionLost) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// failureNote renders a short event note from a structured job error.
func failureNote(jobErr models.JobError) string {
	note := string(jobErr.Kind)
	if jobErr.Stage != "" {
		note += " at " + string(jobErr.Stage)
	}
	if jobErr.Message != "" {
		note += ": " + jobErr.Message
	}
	if len(note) > 1024 {
		note = note[:1024]
	}
	return note
}

// Ensure jobRepo implements JobRepository at compile time.
var _ JobRepository = (*jobRepo)(nil)
