package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupJobEventTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Job{}, &models.Artifact{}, &models.JobEvent{})
	require.NoError(t, err)

	return db
}

func TestJobEventRepo_Create(t *testing.T) {
	db := setupJobEventTestDB(t)
	repo := NewJobEventRepository(db)
	ctx := context.Background()

	event := models.NewJobEvent(models.NewULID(), models.JobStatusPending, models.JobStatusProcessing, 1, "picked up by worker-1")
	err := repo.Create(ctx, event)
	require.NoError(t, err)
	assert.False(t, event.ID.IsZero())
}

func TestJobEventRepo_GetByJobID(t *testing.T) {
	db := setupJobEventTestDB(t)
	repo := NewJobEventRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	otherJobID := models.NewULID()
	now := time.Now()

	created := models.NewJobEvent(jobID, "", models.JobStatusPending, 0, "created")
	created.CreatedAt = now.Add(-2 * time.Minute)
	pickedUp := models.NewJobEvent(jobID, models.JobStatusPending, models.JobStatusProcessing, 1, "picked up by worker-1")
	pickedUp.CreatedAt = now.Add(-time.Minute)
	completed := models.NewJobEvent(jobID, models.JobStatusProcessing, models.JobStatusCompleted, 1, "output reel.mp4")
	completed.CreatedAt = now

	other := models.NewJobEvent(otherJobID, "", models.JobStatusPending, 0, "created")

	for _, event := range []*models.JobEvent{completed, created, pickedUp, other} {
		require.NoError(t, repo.Create(ctx, event))
	}

	history, err := repo.GetByJobID(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Oldest first
	assert.Equal(t, "created", history[0].Note)
	assert.Equal(t, "picked up by worker-1", history[1].Note)
	assert.Equal(t, "output reel.mp4", history[2].Note)
}

func TestJobEventRepo_DeleteByJobID(t *testing.T) {
	db := setupJobEventTestDB(t)
	repo := NewJobEventRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	otherJobID := models.NewULID()

	for i, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing} {
		require.NoError(t, repo.Create(ctx, models.NewJobEvent(jobID, "", status, i, "event")))
	}
	require.NoError(t, repo.Create(ctx, models.NewJobEvent(otherJobID, "", models.JobStatusPending, 0, "created")))

	deleted, err := repo.DeleteByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := repo.GetByJobID(ctx, otherJobID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
