package repository

import (
	"context"
	"fmt"

	"github.com/reelforge/reelforge/internal/models"
	"gorm.io/gorm"
)

// jobEventRepo implements JobEventRepository using GORM.
type jobEventRepo struct {
	db *gorm.DB
}

// NewJobEventRepository creates a new JobEventRepository.
func NewJobEventRepository(db *gorm.DB) *jobEventRepo {
	return &jobEventRepo{db: db}
}

// Create persists a job event.
func (r *jobEventRepo) Create(ctx context.Context, event *models.JobEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("creating job event: %w", err)
	}
	return nil
}

// GetByJobID retrieves a job's events, oldest first. ULIDs sort
// lexicographically by creation time, so the id tiebreak keeps events from
// the same timestamp in emission order.
func (r *jobEventRepo) GetByJobID(ctx context.Context, jobID models.ULID) ([]*models.JobEvent, error) {
	var events []*models.JobEvent
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("getting job events: %w", err)
	}
	return events, nil
}

// DeleteByJobID removes all events for a job permanently.
func (r *jobEventRepo) DeleteByJobID(ctx context.Context, jobID models.ULID) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("job_id = ?", jobID).
		Delete(&models.JobEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting job events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure jobEventRepo implements JobEventRepository at compile time.
var _ JobEventRepository = (*jobEventRepo)(nil)
