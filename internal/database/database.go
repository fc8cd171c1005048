// Package database opens the GORM connection reelforge persists jobs and
// artifacts through. SQLite is the default deployment; PostgreSQL and
// MySQL work through the same configuration.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/reelforge/reelforge/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the GORM handle so callers get lifecycle helpers without
// reaching for the underlying sql.DB themselves.
type DB struct {
	*gorm.DB
}

// Options tweaks connection behavior.
type Options struct {
	// PrepareStmt caches prepared statements. On by default; tests that
	// run transactions against in-memory SQLite turn it off because the
	// cached statements outlive the transaction's connection.
	PrepareStmt bool
}

// New opens a database connection for the configured driver. Pass nil
// opts for the defaults (prepared statements on).
func New(cfg config.DatabaseConfig, log *slog.Logger, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{PrepareStmt: true}
	}
	if log == nil {
		log = slog.Default()
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newQueryLogger(cfg.LogLevel, log),
		SkipDefaultTransaction: true,
		PrepareStmt:            opts.PrepareStmt,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	// SQLite in WAL mode allows concurrent readers but a single writer, so
	// a small fixed pool beats the configured one: workers, the progress
	// publisher and HTTP reads each need a slot without piling up writers.
	maxOpen := cfg.MaxOpenConns
	maxIdle := cfg.MaxIdleConns
	if cfg.Driver == "sqlite" {
		maxOpen = 6
		maxIdle = 3
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	log.Debug("database connection pool configured",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)

	return &DB{DB: db}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable; the health endpoint
// calls it per request.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		// Pure Go SQLite driver (github.com/glebarez/sqlite ->
		// modernc.org/sqlite). PRAGMAs ride on the DSN so every pooled
		// connection gets them, not just the first one opened.
		dsn := cfg.DSN
		if strings.Contains(dsn, "?") {
			dsn += "&"
		} else {
			dsn += "?"
		}
		dsn += "_pragma=busy_timeout(30000)" + // wait up to 30s when the database is locked
			"&_pragma=journal_mode(WAL)" + // concurrent readers during writes
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)" +
			"&_pragma=temp_store(MEMORY)"
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// queryLogger adapts slog to GORM's logger.Interface. Queries land at
// debug, slow queries at warn, failures at error.
type queryLogger struct {
	slog  *slog.Logger
	level logger.LogLevel
}

func newQueryLogger(level string, log *slog.Logger) *queryLogger {
	l := logger.Warn
	switch level {
	case "silent":
		l = logger.Silent
	case "error":
		l = logger.Error
	case "info":
		l = logger.Info
	}
	return &queryLogger{slog: log, level: l}
}

// slowQueryThreshold marks queries worth a warn record. Batch artifact
// sweeps legitimately run long, so this is deliberately generous.
const slowQueryThreshold = time.Second

// maxSQLLogLength caps SQL text in log records; interpolated batch
// inserts can run to megabytes.
const maxSQLLogLength = 200

func truncateSQL(sql string) string {
	if len(sql) > maxSQLLogLength {
		return sql[:maxSQLLogLength] + "... (truncated)"
	}
	return sql
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &queryLogger{slog: l.slog, level: level}
}

func (l *queryLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.slog.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.slog.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.slog.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	// Repositories translate ErrRecordNotFound into a (nil, false) lookup
	// miss, so an error record for every miss would be pure noise.
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)

	var lvl slog.Level
	var msg string
	switch {
	case failed && l.level >= logger.Error:
		lvl, msg = slog.LevelError, "database error"
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		lvl, msg = slog.LevelWarn, "slow query"
	case l.level >= logger.Info:
		lvl, msg = slog.LevelDebug, "database query"
	default:
		return
	}

	// fc() interpolates the full SQL string, which is expensive. Only
	// call it when slog will actually emit the record.
	if !l.slog.Enabled(ctx, lvl) {
		return
	}
	sql, rows := fc()

	attrs := []slog.Attr{
		slog.String("sql", truncateSQL(sql)),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	if failed {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.slog.LogAttrs(ctx, lvl, msg, attrs...)
}
