package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/repository"
	"github.com/reelforge/reelforge/internal/storage"
)

type reaperFixture struct {
	db        *gorm.DB
	jobs      repository.JobRepository
	artifacts repository.ArtifactRepository
	events    repository.JobEventRepository
	store     *storage.ArtifactStore
	reaper    *Reaper
}

func setupReaper(t *testing.T) *reaperFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Job{}, &models.Artifact{}, &models.JobEvent{}))

	blobs, err := storage.NewBlobStore(t.TempDir())
	require.NoError(t, err)

	jobs := repository.NewJobRepository(db)
	artifacts := repository.NewArtifactRepository(db)
	events := repository.NewJobEventRepository(db)
	store := storage.NewArtifactStore(blobs, jobs, artifacts)

	cfg := config.RetentionConfig{
		TerminalTTL:  config.Duration(time.Hour),
		AbandonedTTL: config.Duration(24 * time.Hour),
		UploadTTL:    config.Duration(24 * time.Hour),
	}

	return &reaperFixture{
		db:        db,
		jobs:      jobs,
		artifacts: artifacts,
		events:    events,
		store:     store,
		reaper:    NewReaper(jobs, artifacts, events, store, cfg),
	}
}

// completedJob drives a fresh job through pickup and completion, leaving
// one muxed output blob behind.
func (f *reaperFixture) completedJob(t *testing.T, retainUntil time.Time) (*models.Job, *models.Artifact) {
	t.Helper()
	ctx := context.Background()

	job := models.NewJob(models.StyleEnergeticDance, 1, 0, 30)
	require.NoError(t, f.jobs.Create(ctx, job))

	claimed, err := f.jobs.AcquireJob(ctx, job.ID, "worker-1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	output, err := f.store.SaveStage(ctx, job.ID, models.StageMux, models.MuxedName, models.ContentKindVideo, strings.NewReader("final reel"))
	require.NoError(t, err)

	ok, err := f.jobs.CompleteWithArtifact(ctx, job.ID, output, retainUntil)
	require.NoError(t, err)
	require.True(t, ok)

	return job, output
}

func TestReaper_TerminalPastDeadline(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()

	expired, expiredOut := f.completedJob(t, time.Now().Add(-time.Minute))
	kept, keptOut := f.completedJob(t, time.Now().Add(time.Hour))

	stats := f.reaper.RunCycle(ctx)
	assert.Equal(t, 1, stats.TerminalReaped)
	assert.Equal(t, 0, stats.Skipped)

	// Expired job is gone: row, events, artifact rows, blob.
	found, err := f.jobs.GetByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	history, err := f.events.GetByJobID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	rows, err := f.artifacts.GetByJobID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	exists, err := f.store.Blobs().Exists(expiredOut.BlobKey)
	require.NoError(t, err)
	assert.False(t, exists)

	// The job inside its retention window is untouched.
	found, err = f.jobs.GetByID(ctx, kept.ID)
	require.NoError(t, err)
	require.NotNil(t, found)

	exists, err = f.store.Blobs().Exists(keptOut.BlobKey)
	require.NoError(t, err)
	assert.True(t, exists)

	// A second pass finds nothing.
	stats = f.reaper.RunCycle(ctx)
	assert.Equal(t, CycleStats{}, stats)
}

func TestReaper_AbandonedJobs(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()

	stuck := models.NewJob(models.StyleEnergeticDance, 2, 0, 30)
	require.NoError(t, f.jobs.Create(ctx, stuck))
	err := f.db.Model(&models.Job{}).Where("id = ?", stuck.ID).
		UpdateColumn("created_at", time.Now().Add(-25*time.Hour)).Error
	require.NoError(t, err)

	fresh := models.NewJob(models.StyleEnergeticDance, 2, 0, 30)
	require.NoError(t, f.jobs.Create(ctx, fresh))

	stats := f.reaper.RunCycle(ctx)
	assert.Equal(t, 1, stats.AbandonedReaped)
	assert.Equal(t, 0, stats.TerminalReaped)

	found, err := f.jobs.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = f.jobs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestReaper_PrunesUnattachedUploads(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()

	backdate := func(id models.ULID) {
		err := f.db.Model(&models.Artifact{}).Where("id = ?", id).
			UpdateColumn("created_at", time.Now().Add(-25*time.Hour)).Error
		require.NoError(t, err)
	}

	stale, err := f.store.SaveUpload(ctx, "clip.mp4", models.ContentKindVideo, strings.NewReader("old clip"))
	require.NoError(t, err)
	backdate(stale.ID)

	// Same age, but attached to a live job in the meantime.
	job := models.NewJob(models.StyleEnergeticDance, 1, 0, 30)
	require.NoError(t, f.jobs.Create(ctx, job))
	attached, err := f.store.SaveUpload(ctx, "used.mp4", models.ContentKindVideo, strings.NewReader("used clip"))
	require.NoError(t, err)
	backdate(attached.ID)
	err = f.db.Model(&models.Artifact{}).Where("id = ?", attached.ID).
		UpdateColumn("job_id", job.ID).Error
	require.NoError(t, err)

	fresh, err := f.store.SaveUpload(ctx, "new.mp4", models.ContentKindVideo, strings.NewReader("new clip"))
	require.NoError(t, err)

	stats := f.reaper.RunCycle(ctx)
	assert.Equal(t, 1, stats.UploadsPruned)

	exists, err := f.store.Blobs().Exists(stale.BlobKey)
	require.NoError(t, err)
	assert.False(t, exists)

	for _, survivor := range []*models.Artifact{attached, fresh} {
		exists, err := f.store.Blobs().Exists(survivor.BlobKey)
		require.NoError(t, err)
		assert.True(t, exists, "expected %s to survive", survivor.Name)
	}
}

func TestReaper_BlobFailureKeepsRows(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()

	job, output := f.completedJob(t, time.Now().Add(-time.Minute))

	// Swap the blob for a non-empty directory so deletion fails.
	path, err := f.store.Blobs().ResolveKey(output.BlobKey)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(path, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(path, "pin"), []byte("x"), 0o640))

	stats := f.reaper.RunCycle(ctx)
	assert.Equal(t, 0, stats.TerminalReaped)
	assert.Equal(t, 1, stats.Skipped)

	// Rows survive so the next cycle can retry.
	found, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, found)

	rows, err := f.artifacts.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)

	// Once the blob is deletable the job is reaped.
	require.NoError(t, os.RemoveAll(path))
	stats = f.reaper.RunCycle(ctx)
	assert.Equal(t, 1, stats.TerminalReaped)

	found, err = f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestReaper_EmptyCycle(t *testing.T) {
	f := setupReaper(t)

	stats := f.reaper.RunCycle(context.Background())
	assert.Equal(t, CycleStats{}, stats)
}
