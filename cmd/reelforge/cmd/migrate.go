package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/database"
	"github.com/reelforge/reelforge/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema migration commands",
	Long: `Inspect and control database schema migrations.

serve and worker apply pending migrations automatically on startup, so
this command is only needed for explicit control: checking what a
deployment would apply, or rolling a schema change back.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		migrator, cleanup, err := openMigrator()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := migrator.Up(cmd.Context()); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Long: `Roll back the most recently applied migration.

Each invocation rolls back one migration. Rolling back the initial
schema migration drops the jobs, artifacts and job_events tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		migrator, cleanup, err := openMigrator()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := migrator.Down(cmd.Context()); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		migrator, cleanup, err := openMigrator()
		if err != nil {
			return err
		}
		defer cleanup()

		statuses, err := migrator.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading migration status: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tAPPLIED\tAPPLIED AT\tDESCRIPTION")
		for _, s := range statuses {
			appliedAt := "-"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", s.Version, s.Applied, appliedAt, s.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

// openMigrator loads the config, opens the database and returns a
// migrator with the full registry. The cleanup closes the database.
func openMigrator() (*migrations.Migrator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := slog.Default()
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing database: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())

	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
	return migrator, cleanup, nil
}
