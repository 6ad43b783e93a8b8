package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
)

// OpenConfig describes how to open a connection pool.
type OpenConfig struct {
	Driver string
	DSN    string
	// System identifies the database for telemetry, e.g. semconv.DBSystemMySQL.
	System attribute.KeyValue

	MetricsEnabled      bool
	TracingEnabled      bool
	SQLCommenterEnabled bool

	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// Open opens a pool, wrapping the driver with otelsql when metrics or tracing are enabled.
// The returned closer unregisters pool metrics and closes the pool.
func Open(cfg OpenConfig, logger *slog.Logger) (*sql.DB, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		db         *sql.DB
		dbStatsReg interface{ Unregister() error }
		err        error
	)

	if cfg.MetricsEnabled || cfg.TracingEnabled {
		opts := []otelsql.Option{otelsql.WithAttributes(cfg.System)}
		if cfg.TracingEnabled {
			opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
		}
		if cfg.SQLCommenterEnabled && cfg.TracingEnabled {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		} else if cfg.SQLCommenterEnabled {
			logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
		}

		db, err = otelsql.Open(cfg.Driver, cfg.DSN, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
		}
		if cfg.MetricsEnabled {
			dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(cfg.System))
			if err != nil {
				logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			}
		}
		logger.Info("database instrumentation enabled",
			slog.String("driver", cfg.Driver),
			slog.Bool("metrics", cfg.MetricsEnabled),
			slog.Bool("tracing", cfg.TracingEnabled),
		)
	} else {
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
		}
	}

	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	closer := func() error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	}
	return db, closer, nil
}

// WaitForDatabase pings db until it answers, the timeout elapses or ctx is done.
func WaitForDatabase(ctx context.Context, db *sql.DB, timeout, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return fmt.Errorf("database not reachable after %d attempts: %w", attempt, err)
		}
		logger.Warn("database not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
