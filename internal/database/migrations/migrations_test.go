package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestMigrator_Up(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	require.NoError(t, migrator.Up(ctx))

	// All tables exist
	for _, table := range []string{"jobs", "artifacts", "job_events", "schema_migrations"} {
		assert.True(t, db.Migrator().HasTable(table), "table %s should exist", table)
	}

	// Scan indexes exist
	assert.True(t, db.Migrator().HasIndex(&models.Job{}, "idx_jobs_status_last_pickup"))
	assert.True(t, db.Migrator().HasIndex(&models.Job{}, "idx_jobs_status_created"))

	// The schema accepts a real job row
	job := models.NewJob(models.StyleCinematicDrama, 2, 0, 30)
	require.NoError(t, db.Create(job).Error)
	assert.False(t, job.ID.IsZero())
}

func TestMigrator_Up_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	require.NoError(t, migrator.Up(ctx))
	require.NoError(t, migrator.Up(ctx), "second Up should be a no-op")

	var count int64
	require.NoError(t, db.Model(&MigrationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(len(AllMigrations())), count)
}

func TestMigrator_Status(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	// Before Up, nothing applied
	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, len(AllMigrations()))
	for _, s := range statuses {
		assert.False(t, s.Applied)
		assert.Nil(t, s.AppliedAt)
	}

	require.NoError(t, migrator.Up(ctx))

	statuses, err = migrator.Status(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Applied, "migration %s should be applied", s.Version)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_Up_SortsByVersion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var order []string
	migrator := NewMigrator(db, nil)
	migrator.RegisterAll([]Migration{
		{Version: "002", Description: "second", Up: func(tx *gorm.DB) error {
			order = append(order, "002")
			return nil
		}},
		{Version: "001", Description: "first", Up: func(tx *gorm.DB) error {
			order = append(order, "001")
			return nil
		}},
	})

	require.NoError(t, migrator.Up(ctx))
	assert.Equal(t, []string{"001", "002"}, order, "registration order must not matter")
}

func TestMigrator_Down_WithoutDownFunc(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll([]Migration{
		{Version: "001", Description: "one way", Up: func(tx *gorm.DB) error { return nil }},
	})
	require.NoError(t, migrator.Up(ctx))

	err := migrator.Down(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support rollback")
}

func TestMigrator_Down(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())
	require.NoError(t, migrator.Up(ctx))

	// Rolls back 002, removing the scan indexes but keeping tables
	require.NoError(t, migrator.Down(ctx))
	assert.False(t, db.Migrator().HasIndex(&models.Job{}, "idx_jobs_status_last_pickup"))
	assert.True(t, db.Migrator().HasTable("jobs"))

	// Rolls back 001, dropping the tables
	require.NoError(t, migrator.Down(ctx))
	assert.False(t, db.Migrator().HasTable("jobs"))
	assert.False(t, db.Migrator().HasTable("artifacts"))
	assert.False(t, db.Migrator().HasTable("job_events"))

	// Nothing left to roll back
	require.NoError(t, migrator.Down(ctx))
}
