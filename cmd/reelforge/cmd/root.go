// Package cmd implements the CLI commands for reelforge.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/observability"
	"github.com/reelforge/reelforge/internal/version"
	"github.com/spf13/cobra"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// loadedConfig caches the parsed configuration so the logging hook and the
// command bodies read the same instance.
var loadedConfig *config.Config

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "reelforge",
	Short:   "Beat-synced vertical reel generation service",
	Version: version.Short(),
	Long: `reelforge turns a handful of uploaded clips and a music track into a
vertical short-form reel whose cuts land on the beat.

It runs an HTTP API for uploads and job management, a Redis-backed work
queue, and a worker pool that drives the ffmpeg render pipeline. The API
and the workers can run in one process (serve) or be split across
machines (serve + worker).`,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set PersistentPreRunE here to avoid initialization cycle
	// (initLogging references rootCmd.PersistentFlags)
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Global flags
	// Note: These flags are NOT bound to viper. Instead, we check if they were
	// explicitly set using Changed() and only then override the config/env values.
	// This preserves the correct priority: CLI flag > env var > config > default
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/reelforge, $HOME/.reelforge)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig reads the configuration once per process. config.Load applies
// the precedence env var > config file > default; CLI flags are layered on
// top by the callers that own them.
func loadConfig() (*config.Config, error) {
	if loadedConfig != nil {
		return loadedConfig, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	loadedConfig = cfg
	return cfg, nil
}

// initLogging configures the slog logger based on configuration.
// Uses the observability package so sensitive data redaction is applied.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (REELFORGE_LOGGING_LEVEL, REELFORGE_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	// Commands like version and config dump must work even when the config
	// file is broken; a load failure here falls back to defaults and the
	// command body surfaces the real error if it needs the config.
	logCfg := config.LoggingConfig{Level: "info", Format: "json"}
	if cfg, err := loadConfig(); err == nil {
		logCfg = cfg.Logging
	}

	// Override with CLI flags only if explicitly set by user.
	// We don't bind flags to viper because viper's flag layer would always
	// override env/config, even when using the flag's default value.
	if rootCmd.PersistentFlags().Changed("log-level") {
		logCfg.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		logCfg.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)

	// Handle "warning" as an alias for "warn"
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	// Logs go to stderr so stdout stays clean for command output such as
	// "config dump" and "version --json".
	slog.SetDefault(observability.NewLoggerWithWriter(logCfg, os.Stderr))

	return nil
}
