package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelforge/reelforge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClaimLost is returned when an upload to claim is missing or already
// attached to a job.
var ErrClaimLost = errors.New("upload claim lost")

// artifactRepo implements ArtifactRepository using GORM.
type artifactRepo struct {
	db *gorm.DB
}

// NewArtifactRepository creates a new ArtifactRepository.
func NewArtifactRepository(db *gorm.DB) *artifactRepo {
	return &artifactRepo{db: db}
}

// Create persists a new artifact.
func (r *artifactRepo) Create(ctx context.Context, artifact *models.Artifact) error {
	if err := r.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	return nil
}

// CreateBatch persists multiple artifacts in a single batch.
func (r *artifactRepo) CreateBatch(ctx context.Context, artifacts []*models.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(artifacts).Error; err != nil {
		return fmt.Errorf("creating artifact batch: %w", err)
	}
	return nil
}

// Upsert creates the artifact or refreshes the existing row with the same
// (job_id, stage, name). Stage retries rewrite the same logical artifact.
func (r *artifactRepo) Upsert(ctx context.Context, artifact *models.Artifact) error {
	if err := upsertArtifact(r.db.WithContext(ctx), artifact); err != nil {
		return fmt.Errorf("upserting artifact: %w", err)
	}
	return nil
}

// upsertArtifact inserts the artifact or updates the row holding the same
// (job_id, stage, name), then reloads the struct so the caller sees the
// surviving row's identity rather than the ULID generated for the insert.
func upsertArtifact(tx *gorm.DB, artifact *models.Artifact) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}, {Name: "stage"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"blob_key", "size", "content_kind", "updated_at",
		}),
	}).Create(artifact).Error; err != nil {
		return err
	}

	// Unattached rows carry a NULL job_id and never conflict; the insert
	// above is authoritative for them.
	if artifact.JobID == nil {
		return nil
	}

	// Reload into a fresh struct: First would otherwise reuse the primary
	// key generated for the losing insert as a condition.
	var surviving models.Artifact
	if err := tx.Where("job_id = ? AND stage = ? AND name = ?", artifact.JobID, artifact.Stage, artifact.Name).
		First(&surviving).Error; err != nil {
		return err
	}
	*artifact = surviving
	return nil
}

// GetByID retrieves an artifact by ID.
func (r *artifactRepo) GetByID(ctx context.Context, id models.ULID) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&artifact).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting artifact by ID: %w", err)
	}
	return &artifact, nil
}

// GetByJobID retrieves all artifacts for a job, oldest first.
func (r *artifactRepo) GetByJobID(ctx context.Context, jobID models.ULID) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("getting artifacts by job ID: %w", err)
	}
	return artifacts, nil
}

// GetByJobAndStage retrieves a job's artifacts for one stage, ordered by name.
func (r *artifactRepo) GetByJobAndStage(ctx context.Context, jobID models.ULID, stage models.Stage) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Order("name ASC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("getting artifacts by stage: %w", err)
	}
	return artifacts, nil
}

// GetByJobStageName retrieves a single artifact by its unique key.
func (r *artifactRepo) GetByJobStageName(ctx context.Context, jobID models.ULID, stage models.Stage, name string) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND stage = ? AND name = ?", jobID, stage, name).
		First(&artifact).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting artifact by stage and name: %w", err)
	}
	return &artifact, nil
}

// ClaimForJob attaches uploads to a job and renames them to their canonical
// input names. The nil job_id guard makes the claim race-safe: an upload
// already attached to a job is not stolen, it loses the claim and the
// transaction rolls back every claim with it.
func (r *artifactRepo) ClaimForJob(ctx context.Context, jobID models.ULID, claims []ArtifactClaim) error {
	if len(claims) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, claim := range claims {
			result := tx.Model(&models.Artifact{}).
				Where("id = ? AND job_id IS NULL", claim.ID).
				UpdateColumns(map[string]interface{}{
					"job_id":     jobID,
					"name":       claim.Name,
					"updated_at": time.Now(),
				})
			if result.Error != nil {
				return fmt.Errorf("claiming upload %s: %w", claim.ID, result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ErrClaimLost, claim.ID)
			}
		}
		return nil
	})
}

// ReleaseFromJob reverses a claim, returning the artifacts to the unattached
// pool under their original names. Rows no longer held by the job are left
// alone.
func (r *artifactRepo) ReleaseFromJob(ctx context.Context, jobID models.ULID, restores []ArtifactClaim) error {
	if len(restores) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, restore := range restores {
			result := tx.Model(&models.Artifact{}).
				Where("id = ? AND job_id = ?", restore.ID, jobID).
				UpdateColumns(map[string]interface{}{
					"job_id":     nil,
					"name":       restore.Name,
					"updated_at": time.Now(),
				})
			if result.Error != nil {
				return fmt.Errorf("releasing upload %s: %w", restore.ID, result.Error)
			}
		}
		return nil
	})
}

// GetUnattachedOlderThan retrieves unattached artifacts created before the
// given time.
func (r *artifactRepo) GetUnattachedOlderThan(ctx context.Context, olderThan time.Time) ([]*models.Artifact, error) {
	var artifacts []*models.Artifact
	if err := r.db.WithContext(ctx).
		Where("job_id IS NULL AND created_at <= ?", olderThan).
		Order("created_at ASC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("getting unattached artifacts: %w", err)
	}
	return artifacts, nil
}

// Delete removes an artifact row permanently.
func (r *artifactRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.Artifact{}).Error; err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	return nil
}

// DeleteByJobID removes all artifact rows for a job permanently.
func (r *artifactRepo) DeleteByJobID(ctx context.Context, jobID models.ULID) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("job_id = ?", jobID).
		Delete(&models.Artifact{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting artifacts by job ID: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteByJobAndStage removes a job's artifact rows for one stage permanently.
func (r *artifactRepo) DeleteByJobAndStage(ctx context.Context, jobID models.ULID, stage models.Stage) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("job_id = ? AND stage = ?", jobID, stage).
		Delete(&models.Artifact{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting artifacts by stage: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure artifactRepo implements ArtifactRepository at compile time.
var _ ArtifactRepository = (*artifactRepo)(nil)
