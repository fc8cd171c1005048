package migrations

import (
	"github.com/reelforge/reelforge/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order:
// - 001: Schema creation using GORM AutoMigrate
// - 002: Supporting indexes for the worker and reaper scan queries
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002ScanIndexes(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create jobs, artifacts and job_events tables",
		Up: func(tx *gorm.DB) error {
			// AutoMigrate all models in dependency order
			return tx.AutoMigrate(
				&models.Job{},
				&models.Artifact{},
				&models.JobEvent{},
			)
		},
		Down: func(tx *gorm.DB) error {
			// Drop tables in reverse dependency order
			tables := []string{
				"job_events",
				"artifacts",
				"jobs",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// migration002ScanIndexes adds composite indexes for the hot scan paths:
// the scheduler's stale-job sweep and the reaper's retention sweep both
// filter on status plus a timestamp.
func migration002ScanIndexes() Migration {
	return Migration{
		Version:     "002",
		Description: "Add composite indexes for stale-job and retention scans",
		Up: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.Job{}, "idx_jobs_status_last_pickup") {
				if err := tx.Exec("CREATE INDEX idx_jobs_status_last_pickup ON jobs(status, last_pickup_at)").Error; err != nil {
					return err
				}
			}
			if !tx.Migrator().HasIndex(&models.Job{}, "idx_jobs_status_created") {
				if err := tx.Exec("CREATE INDEX idx_jobs_status_created ON jobs(status, created_at)").Error; err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(tx *gorm.DB) error {
			for _, idx := range []string{"idx_jobs_status_last_pickup", "idx_jobs_status_created"} {
				if tx.Migrator().HasIndex(&models.Job{}, idx) {
					if err := tx.Migrator().DropIndex(&models.Job{}, idx); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}
