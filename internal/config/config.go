// Package config provides configuration management for reelforge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultServerMaxConns      = 256
	defaultRateLimit           = 300
	defaultRateLimitWindow     = time.Minute
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultRedisAddr           = "localhost:6379"
	defaultRedisTimeout        = 5 * time.Second
	defaultMaxClipCount        = 5
	defaultMaxFileSizeBytes    = 100 * 1024 * 1024 // 100MB
	defaultVisibilityTimeout   = 15 * time.Minute
	defaultRetryBaseDelay      = 30 * time.Second
	defaultRetryMaxDelay       = 10 * time.Minute
	defaultMaxAttempts         = 2
	defaultWorkerCount         = 1
	defaultPollInterval        = time.Second
	defaultJobTimeout          = 20 * time.Minute
	defaultStageConcurrency    = 2
	defaultDrainTimeout        = 30 * time.Second
	defaultTerminalTTL         = time.Hour
	defaultAbandonedTTL        = 24 * time.Hour
	defaultUploadTTL           = 24 * time.Hour
	defaultReaperCron          = "*/10 * * * *"
	defaultStaleCheckInterval  = time.Minute
	defaultStaleSlack          = 2 * time.Minute
	defaultProgressFlush       = 250 * time.Millisecond
	defaultAudioSliceTimeout   = 60 * time.Second
	defaultBeatsTimeout        = 60 * time.Second
	defaultPlanTimeout         = 10 * time.Second
	defaultNormalizeTimeout    = 180 * time.Second
	defaultCutAndConcatTimeout = 240 * time.Second
	defaultStyleGradeTimeout   = 120 * time.Second
	defaultMuxTimeout          = 60 * time.Second
	defaultQualityGateTimeout  = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Tools     ToolsConfig         `mapstructure:"tools"`
	Limits    LimitsConfig        `mapstructure:"limits"`
	Queue     QueueConfig         `mapstructure:"queue"`
	Worker    WorkerConfig        `mapstructure:"worker"`
	Stages    StageTimeoutsConfig `mapstructure:"stage_timeouts"`
	Retention RetentionConfig     `mapstructure:"retention"`
	Schedule  ScheduleConfig      `mapstructure:"schedule"`
	Progress  ProgressConfig      `mapstructure:"progress"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxConns caps concurrent accepted connections (0 = unlimited).
	MaxConns int `mapstructure:"max_conns"`
	// RateLimit caps requests per client IP within RateLimitWindow
	// (0 = disabled).
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RedisConfig holds queue broker connection configuration.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password" masq:"secret"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig holds blob storage configuration. The directory layout under
// the base is fixed: job artifacts at {job_id}/{stage}/{name}, uploads under
// uploads/, scratch space under tmp/.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ToolsConfig holds external tool binary configuration.
type ToolsConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`  // Path to ffmpeg binary (empty = auto-detect)
	FFprobePath string `mapstructure:"ffprobe_path"` // Path to ffprobe binary (empty = auto-detect)
}

// LimitsConfig holds request validation limits.
type LimitsConfig struct {
	MaxClipCount int `mapstructure:"max_clip_count"`
	// MaxFileSize is the maximum allowed size per uploaded clip.
	// Supports human-readable values like "100MB", "1GB", or raw byte counts.
	MaxFileSize ByteSize `mapstructure:"max_file_size"`
}

// QueueConfig holds delivery and retry configuration for the job queue.
type QueueConfig struct {
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// WorkerConfig holds worker loop configuration.
type WorkerConfig struct {
	Count            int           `mapstructure:"count"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	StageConcurrency int           `mapstructure:"stage_concurrency"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
}

// StageTimeoutsConfig holds the wall-clock budget per pipeline stage.
type StageTimeoutsConfig struct {
	AudioSlice   time.Duration `mapstructure:"audio_slice"`
	Beats        time.Duration `mapstructure:"beats"`
	Plan         time.Duration `mapstructure:"plan"`
	Normalize    time.Duration `mapstructure:"normalize"`
	CutAndConcat time.Duration `mapstructure:"cut_and_concat"`
	StyleGrade   time.Duration `mapstructure:"style_grade"`
	Mux          time.Duration `mapstructure:"mux"`
	QualityGate  time.Duration `mapstructure:"quality_gate"`
}

// RetentionConfig holds cleanup TTLs. The Duration type accepts day and
// week units ("7d", "2w") on top of the standard Go syntax, since
// retention horizons are usually quoted in days.
type RetentionConfig struct {
	// TerminalTTL is how long finished jobs and their artifacts are kept
	// after reaching a terminal status.
	TerminalTTL Duration `mapstructure:"terminal_ttl"`
	// AbandonedTTL is how long non-terminal jobs are kept after creation
	// before being treated as abandoned.
	AbandonedTTL Duration `mapstructure:"abandoned_ttl"`
	// UploadTTL is how long uploaded clips may stay unattached to a job.
	UploadTTL Duration `mapstructure:"upload_ttl"`
}

// ScheduleConfig holds background maintenance scheduling.
type ScheduleConfig struct {
	ReaperCron         string        `mapstructure:"reaper_cron"`
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
	StaleSlack         time.Duration `mapstructure:"stale_slack"`
}

// ProgressConfig holds progress publishing configuration.
type ProgressConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REELFORGE_ and use underscores for nesting.
// Example: REELFORGE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/reelforge")
		v.AddConfigPath("$HOME/.reelforge")
	}

	// Environment variable settings
	v.SetEnvPrefix("REELFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	// Viper's default hook set does not consult encoding.TextUnmarshaler,
	// which the ByteSize and Duration config types rely on for values like
	// "100MB" or "7d". Compose it in alongside the stock hooks.
	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_conns", defaultServerMaxConns)
	v.SetDefault("server.rate_limit", defaultRateLimit)
	v.SetDefault("server.rate_limit_window", defaultRateLimitWindow)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "reelforge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Redis defaults
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", defaultRedisTimeout)
	v.SetDefault("redis.read_timeout", defaultRedisTimeout)
	v.SetDefault("redis.write_timeout", defaultRedisTimeout)

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Tools defaults
	v.SetDefault("tools.ffmpeg_path", "")
	v.SetDefault("tools.ffprobe_path", "")

	// Limits defaults
	v.SetDefault("limits.max_clip_count", defaultMaxClipCount)
	v.SetDefault("limits.max_file_size", defaultMaxFileSizeBytes)

	// Queue defaults
	v.SetDefault("queue.visibility_timeout", defaultVisibilityTimeout)
	v.SetDefault("queue.retry_base_delay", defaultRetryBaseDelay)
	v.SetDefault("queue.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("queue.max_attempts", defaultMaxAttempts)

	// Worker defaults
	v.SetDefault("worker.count", defaultWorkerCount)
	v.SetDefault("worker.poll_interval", defaultPollInterval)
	v.SetDefault("worker.job_timeout", defaultJobTimeout)
	v.SetDefault("worker.stage_concurrency", defaultStageConcurrency)
	v.SetDefault("worker.drain_timeout", defaultDrainTimeout)

	// Stage timeout defaults
	v.SetDefault("stage_timeouts.audio_slice", defaultAudioSliceTimeout)
	v.SetDefault("stage_timeouts.beats", defaultBeatsTimeout)
	v.SetDefault("stage_timeouts.plan", defaultPlanTimeout)
	v.SetDefault("stage_timeouts.normalize", defaultNormalizeTimeout)
	v.SetDefault("stage_timeouts.cut_and_concat", defaultCutAndConcatTimeout)
	v.SetDefault("stage_timeouts.style_grade", defaultStyleGradeTimeout)
	v.SetDefault("stage_timeouts.mux", defaultMuxTimeout)
	v.SetDefault("stage_timeouts.quality_gate", defaultQualityGateTimeout)

	// Retention defaults
	v.SetDefault("retention.terminal_ttl", defaultTerminalTTL)
	v.SetDefault("retention.abandoned_ttl", defaultAbandonedTTL)
	v.SetDefault("retention.upload_ttl", defaultUploadTTL)

	// Schedule defaults
	v.SetDefault("schedule.reaper_cron", defaultReaperCron)
	v.SetDefault("schedule.stale_check_interval", defaultStaleCheckInterval)
	v.SetDefault("schedule.stale_slack", defaultStaleSlack)

	// Progress defaults
	v.SetDefault("progress.flush_interval", defaultProgressFlush)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow < time.Second {
		return fmt.Errorf("server.rate_limit_window must be at least 1s")
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	validDBLogLevels := map[string]bool{"silent": true, "error": true, "warn": true, "info": true}
	if !validDBLogLevels[c.Database.LogLevel] {
		return fmt.Errorf("database.log_level must be one of: silent, error, warn, info")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be at least 1")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must not be negative")
	}

	// Redis validation
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	// Storage validation
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Limits validation
	if c.Limits.MaxClipCount < 1 {
		return fmt.Errorf("limits.max_clip_count must be at least 1")
	}
	if c.Limits.MaxFileSize < 1 {
		return fmt.Errorf("limits.max_file_size must be positive")
	}

	// Queue validation
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.VisibilityTimeout < time.Second {
		return fmt.Errorf("queue.visibility_timeout must be at least 1s")
	}
	if c.Queue.RetryBaseDelay < 1 {
		return fmt.Errorf("queue.retry_base_delay must be positive")
	}

	// Worker validation. Zero workers is allowed: an API-only process
	// leaves rendering to dedicated workers.
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must not be negative")
	}
	if c.Worker.StageConcurrency < 1 {
		return fmt.Errorf("worker.stage_concurrency must be at least 1")
	}

	// Schedule validation
	if c.Schedule.ReaperCron == "" {
		return fmt.Errorf("schedule.reaper_cron is required")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
