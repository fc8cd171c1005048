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

func setupArtifactTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Job{}, &models.Artifact{}, &models.JobEvent{})
	require.NoError(t, err)

	return db
}

func newInputArtifact(name string) *models.Artifact {
	return &models.Artifact{
		Stage:       models.StageInput,
		Name:        name,
		BlobKey:     "uploads/" + name,
		Size:        1024,
		ContentKind: models.ContentKindVideo,
	}
}

func TestArtifactRepo_Create(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	artifact := newInputArtifact("clip_1.mp4")
	err := repo.Create(ctx, artifact)
	require.NoError(t, err)
	assert.False(t, artifact.ID.IsZero())
	assert.False(t, artifact.IsAttached())

	found, err := repo.GetByID(ctx, artifact.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "clip_1.mp4", found.Name)
	assert.Equal(t, models.ContentKindVideo, found.ContentKind)
}

func TestArtifactRepo_Create_Invalid(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	artifact := newInputArtifact("clip_1.mp4")
	artifact.BlobKey = ""
	err := repo.Create(ctx, artifact)
	assert.ErrorIs(t, err, models.ErrBlobKeyRequired)
}

func TestArtifactRepo_CreateBatch(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	batch := []*models.Artifact{
		newInputArtifact("clip_1.mp4"),
		newInputArtifact("clip_2.mp4"),
		newInputArtifact("soundtrack.mp3"),
	}
	require.NoError(t, repo.CreateBatch(ctx, batch))

	for _, artifact := range batch {
		assert.False(t, artifact.ID.IsZero())
	}

	// Empty batch is a no-op
	require.NoError(t, repo.CreateBatch(ctx, nil))
}

func TestArtifactRepo_Upsert(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()

	t.Run("insert", func(t *testing.T) {
		artifact := newInputArtifact("normalized_1.mp4")
		artifact.JobID = &jobID
		artifact.Stage = models.StageNormalize

		require.NoError(t, repo.Upsert(ctx, artifact))
		assert.False(t, artifact.ID.IsZero())
	})

	t.Run("refresh keeps identity", func(t *testing.T) {
		first := newInputArtifact("normalized_2.mp4")
		first.JobID = &jobID
		first.Stage = models.StageNormalize
		require.NoError(t, repo.Upsert(ctx, first))

		// A stage retry rewrites the same logical artifact
		retry := newInputArtifact("normalized_2.mp4")
		retry.JobID = &jobID
		retry.Stage = models.StageNormalize
		retry.BlobKey = "jobs/retry/normalize/normalized_2.mp4"
		retry.Size = 4096
		require.NoError(t, repo.Upsert(ctx, retry))

		assert.Equal(t, first.ID, retry.ID)
		assert.Equal(t, "jobs/retry/normalize/normalized_2.mp4", retry.BlobKey)
		assert.Equal(t, int64(4096), retry.Size)

		rows, err := repo.GetByJobAndStage(ctx, jobID, models.StageNormalize)
		require.NoError(t, err)
		names := make([]string, len(rows))
		for i, row := range rows {
			names[i] = row.Name
		}
		assert.Equal(t, []string{"normalized_1.mp4", "normalized_2.mp4"}, names)
	})
}

func TestArtifactRepo_GetByID(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	artifact := newInputArtifact("clip_1.mp4")
	require.NoError(t, repo.Create(ctx, artifact))

	t.Run("existing artifact", func(t *testing.T) {
		found, err := repo.GetByID(ctx, artifact.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, artifact.ID, found.ID)
	})

	t.Run("non-existent artifact", func(t *testing.T) {
		found, err := repo.GetByID(ctx, models.NewULID())
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestArtifactRepo_GetByJobID(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	otherJobID := models.NewULID()
	now := time.Now()

	older := newInputArtifact("clip_1.mp4")
	older.JobID = &jobID
	older.CreatedAt = now.Add(-time.Hour)

	newer := newInputArtifact("beats.json")
	newer.JobID = &jobID
	newer.Stage = models.StageBeats
	newer.ContentKind = models.ContentKindJSON
	newer.CreatedAt = now

	other := newInputArtifact("clip_1.mp4")
	other.JobID = &otherJobID

	for _, artifact := range []*models.Artifact{older, newer, other} {
		require.NoError(t, repo.Create(ctx, artifact))
	}

	found, err := repo.GetByJobID(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, found, 2)

	// Oldest first
	assert.Equal(t, older.ID, found[0].ID)
	assert.Equal(t, newer.ID, found[1].ID)
}

func TestArtifactRepo_GetByJobAndStage(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()

	for _, name := range []string{"normalized_2.mp4", "normalized_1.mp4"} {
		artifact := newInputArtifact(name)
		artifact.JobID = &jobID
		artifact.Stage = models.StageNormalize
		require.NoError(t, repo.Create(ctx, artifact))
	}
	input := newInputArtifact("clip_1.mp4")
	input.JobID = &jobID
	require.NoError(t, repo.Create(ctx, input))

	found, err := repo.GetByJobAndStage(ctx, jobID, models.StageNormalize)
	require.NoError(t, err)
	require.Len(t, found, 2)

	// Ordered by name
	assert.Equal(t, "normalized_1.mp4", found[0].Name)
	assert.Equal(t, "normalized_2.mp4", found[1].Name)
}

func TestArtifactRepo_GetByJobStageName(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	artifact := newInputArtifact("plan.json")
	artifact.JobID = &jobID
	artifact.Stage = models.StagePlan
	artifact.ContentKind = models.ContentKindJSON
	require.NoError(t, repo.Create(ctx, artifact))

	t.Run("existing artifact", func(t *testing.T) {
		found, err := repo.GetByJobStageName(ctx, jobID, models.StagePlan, "plan.json")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, artifact.ID, found.ID)
	})

	t.Run("wrong stage", func(t *testing.T) {
		found, err := repo.GetByJobStageName(ctx, jobID, models.StageBeats, "plan.json")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestArtifactRepo_ClaimForJob(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	otherJobID := models.NewULID()

	free1 := newInputArtifact("holiday.mp4")
	free2 := newInputArtifact("beach.mov")
	taken := newInputArtifact("sunset.mp4")
	taken.JobID = &otherJobID

	for _, artifact := range []*models.Artifact{free1, free2, taken} {
		require.NoError(t, repo.Create(ctx, artifact))
	}

	err := repo.ClaimForJob(ctx, jobID, []ArtifactClaim{
		{ID: free1.ID, Name: models.InputClipName(0)},
		{ID: free2.ID, Name: models.InputClipName(1)},
	})
	require.NoError(t, err)

	// Claimed uploads carry the canonical names
	attached, err := repo.GetByJobID(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, attached, 2)
	names := []string{attached[0].Name, attached[1].Name}
	assert.ElementsMatch(t, []string{"clip_0", "clip_1"}, names)

	t.Run("attached upload loses the claim", func(t *testing.T) {
		thirdJob := models.NewULID()
		fresh := newInputArtifact("city.mp4")
		require.NoError(t, repo.Create(ctx, fresh))

		err := repo.ClaimForJob(ctx, thirdJob, []ArtifactClaim{
			{ID: fresh.ID, Name: models.InputClipName(0)},
			{ID: taken.ID, Name: models.InputClipName(1)},
		})
		require.ErrorIs(t, err, ErrClaimLost)

		// The already-attached artifact keeps its job and the whole claim
		// rolled back
		found, err := repo.GetByID(ctx, taken.ID)
		require.NoError(t, err)
		require.NotNil(t, found.JobID)
		assert.Equal(t, otherJobID, *found.JobID)

		found, err = repo.GetByID(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Nil(t, found.JobID)
		assert.Equal(t, "city.mp4", found.Name)
	})

	t.Run("empty claim list", func(t *testing.T) {
		require.NoError(t, repo.ClaimForJob(ctx, jobID, nil))
	})
}

func TestArtifactRepo_ReleaseFromJob(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	upload := newInputArtifact("holiday.mp4")
	require.NoError(t, repo.Create(ctx, upload))

	require.NoError(t, repo.ClaimForJob(ctx, jobID, []ArtifactClaim{
		{ID: upload.ID, Name: models.InputClipName(0)},
	}))

	err := repo.ReleaseFromJob(ctx, jobID, []ArtifactClaim{
		{ID: upload.ID, Name: "holiday.mp4"},
	})
	require.NoError(t, err)

	found, err := repo.GetByID(ctx, upload.ID)
	require.NoError(t, err)
	assert.Nil(t, found.JobID)
	assert.Equal(t, "holiday.mp4", found.Name)

	// Releasing an upload the job no longer holds is a no-op
	require.NoError(t, repo.ReleaseFromJob(ctx, jobID, []ArtifactClaim{
		{ID: upload.ID, Name: "holiday.mp4"},
	}))
}

func TestArtifactRepo_GetUnattachedOlderThan(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	oldFree := newInputArtifact("clip_1.mp4")
	oldFree.CreatedAt = old

	freshFree := newInputArtifact("clip_2.mp4")

	oldAttached := newInputArtifact("clip_3.mp4")
	oldAttached.JobID = &jobID
	oldAttached.CreatedAt = old

	for _, artifact := range []*models.Artifact{oldFree, freshFree, oldAttached} {
		require.NoError(t, repo.Create(ctx, artifact))
	}

	found, err := repo.GetUnattachedOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, oldFree.ID, found[0].ID)
}

func TestArtifactRepo_Delete(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	artifact := newInputArtifact("clip_1.mp4")
	require.NoError(t, repo.Create(ctx, artifact))

	require.NoError(t, repo.Delete(ctx, artifact.ID))

	found, err := repo.GetByID(ctx, artifact.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	// The row is gone, not soft-deleted
	var count int64
	require.NoError(t, db.Unscoped().Model(&models.Artifact{}).Where("id = ?", artifact.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestArtifactRepo_DeleteByJobID(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()
	otherJobID := models.NewULID()

	for _, name := range []string{"clip_1.mp4", "clip_2.mp4"} {
		artifact := newInputArtifact(name)
		artifact.JobID = &jobID
		require.NoError(t, repo.Create(ctx, artifact))
	}
	other := newInputArtifact("clip_1.mp4")
	other.JobID = &otherJobID
	require.NoError(t, repo.Create(ctx, other))

	deleted, err := repo.DeleteByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := repo.GetByJobID(ctx, otherJobID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestArtifactRepo_DeleteByJobAndStage(t *testing.T) {
	db := setupArtifactTestDB(t)
	repo := NewArtifactRepository(db)
	ctx := context.Background()

	jobID := models.NewULID()

	partial := newInputArtifact("beats.json")
	partial.JobID = &jobID
	partial.Stage = models.StageBeats
	partial.ContentKind = models.ContentKindJSON

	input := newInputArtifact("clip_1.mp4")
	input.JobID = &jobID

	for _, artifact := range []*models.Artifact{partial, input} {
		require.NoError(t, repo.Create(ctx, artifact))
	}

	deleted, err := repo.DeleteByJobAndStage(ctx, jobID, models.StageBeats)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := repo.GetByJobID(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, models.StageInput, remaining[0].Stage)
}
