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
	internalhttp "github.com/reelforge/reelforge/internal/http"
	"github.com/reelforge/reelforge/internal/http/handlers"
	"github.com/reelforge/reelforge/internal/service"
	"github.com/reelforge/reelforge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reelforge server",
	Long: `Start the reelforge HTTP server with an in-process worker pool.

The server provides:
- REST API for uploading clips and managing reel jobs
- Server-sent events stream for per-job render progress
- Health check endpoint and Prometheus metrics
- OpenAPI documentation at /docs

Workers pull jobs from the Redis queue and drive the ffmpeg render
pipeline. Run with --workers=0 to serve the API only and leave rendering
to dedicated worker processes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database-dsn", "", "Database DSN (file path for sqlite)")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for uploads, artifacts and scratch space")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port)")
	serveCmd.Flags().Int("workers", 1, "Worker loops to run in-process (0 = API only)")
}

// applyServeFlags layers explicitly set CLI flags over the loaded config,
// keeping the flag defaults from shadowing env and file values.
func applyServeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
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
	if flags.Changed("workers") {
		cfg.Worker.Count, _ = flags.GetInt("workers")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd.Flags(), cfg)

	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	jobService := service.NewJobService(
		st.jobs,
		st.artifacts,
		st.events,
		st.store,
		st.queue,
		cfg.Limits,
		cfg.Retention,
	).WithLogger(logger).WithMaxAttempts(cfg.Queue.MaxAttempts)

	// Initialize HTTP server
	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	// Register handlers
	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(st.db).
		WithQueue(st.queue).
		WithToolchain(st.tools).
		WithRunner(st.runner)
	healthHandler.Register(server.API())

	jobHandler := handlers.NewJobHandler(jobService, logger)
	jobHandler.Register(server.API())
	jobHandler.RegisterStreams(server.Router())

	uploadHandler := handlers.NewUploadHandler(st.store, cfg.Limits, logger)
	uploadHandler.Register(server.API())

	styleHandler := handlers.NewStyleHandler()
	styleHandler.Register(server.API())

	progressHandler := handlers.NewProgressHandler(jobService, st.tracker, logger)
	progressHandler.Register(server.Router())

	// Start the worker pool and the upkeep scheduler. A worker count of
	// zero is valid: the process serves the API and leaves rendering to
	// dedicated workers.
	if cfg.Worker.Count > 0 {
		if err := st.runner.Start(); err != nil {
			return fmt.Errorf("starting workers: %w", err)
		}
	}
	if err := st.sched.Start(); err != nil {
		st.runner.Stop()
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	// Start server
	logger.Info("starting reelforge server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.Int("workers", cfg.Worker.Count),
		slog.String("version", version.Version),
	)

	serveErr := server.ListenAndServe(ctx)

	// New work stops before in-flight jobs drain; the broker and database
	// close afterwards in the deferred stack Close.
	st.sched.Stop()
	st.runner.Stop()

	return serveErr
}
