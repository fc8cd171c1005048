package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/version"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a reelforge worker pool without the HTTP API",
	Long: `Start a standalone worker pool that pulls reel jobs from the Redis
queue and drives the ffmpeg render pipeline.

Workers share the database and the storage directory with the API
server, so a worker host needs access to both. On SIGINT or SIGTERM the
pool stops pulling new jobs, gives in-flight renders the drain timeout
to finish, and hands anything still running back to the queue.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("workers", 1, "Worker loops to run")
	workerCmd.Flags().String("database-dsn", "", "Database DSN (file path for sqlite)")
	workerCmd.Flags().String("data-dir", "./data", "Base directory for uploads, artifacts and scratch space")
	workerCmd.Flags().String("redis-addr", "", "Redis address (host:port)")
}

// applyWorkerFlags layers explicitly set CLI flags over the loaded config.
func applyWorkerFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("workers") {
		cfg.Worker.Count, _ = flags.GetInt("workers")
	}
	if flags.Changed("database-dsn") {
		cfg.Database.DSN, _ = flags.GetString("database-dsn")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.BaseDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr, _ = flags.GetString("redis-addr")
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyWorkerFlags(cmd.Flags(), cfg)

	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1 for a worker process")
	}

	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.runner.Start(); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	if err := st.sched.Start(); err != nil {
		st.runner.Stop()
		return fmt.Errorf("starting scheduler: %w", err)
	}

	logger.Info("starting reelforge worker pool",
		slog.Int("workers", cfg.Worker.Count),
		slog.String("version", version.Version),
	)

	// Block until signalled
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	st.sched.Stop()
	st.runner.Stop()

	return nil
}
