package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"pmquery/internal/dbexec"
	"pmquery/internal/naming"
	"pmquery/internal/planner"
	"pmquery/internal/schema"
)

// OpenOptions configures Open.
type OpenOptions struct {
	Dialect string
	DSN     string

	MetricsEnabled      bool
	TracingEnabled      bool
	SQLCommenterEnabled bool

	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration

	// WaitTimeout bounds how long Open retries an unreachable database. Zero pings once.
	WaitTimeout  time.Duration
	WaitInterval time.Duration
}

// Open connects to the database described by opts and returns a store over it together with
// a closer for the pool.
func Open(ctx context.Context, reg *schema.Registry, names *naming.Mapping, opts OpenOptions, logger *slog.Logger) (*Store, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialect, err := planner.ParseDialect(opts.Dialect)
	if err != nil {
		return nil, nil, err
	}
	dsn, err := NormalizeDSN(dialect.Name(), opts.DSN)
	if err != nil {
		return nil, nil, err
	}

	maxOpen := opts.MaxOpen
	if dialect.Name() == "sqlite" && isSQLiteMemory(opts.DSN) {
		// Every connection to :memory: opens a separate database.
		maxOpen = 1
	}

	system := semconv.DBSystemMySQL
	switch dialect.Name() {
	case "postgres":
		system = semconv.DBSystemPostgreSQL
	case "sqlite":
		system = semconv.DBSystemSqlite
	}

	db, closer, err := dbexec.Open(dbexec.OpenConfig{
		Driver:              dialect.DriverName(),
		DSN:                 dsn,
		System:              system,
		MetricsEnabled:      opts.MetricsEnabled,
		TracingEnabled:      opts.TracingEnabled,
		SQLCommenterEnabled: opts.SQLCommenterEnabled,
		MaxOpen:             maxOpen,
		MaxIdle:             opts.MaxIdle,
		MaxLifetime:         opts.MaxLifetime,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := dbexec.WaitForDatabase(ctx, db, opts.WaitTimeout, opts.WaitInterval, logger); err != nil {
		_ = closer()
		return nil, nil, err
	}

	logger.Info("connected to database", slog.String("dialect", dialect.Name()))
	return New(db, planner.New(reg, dialect, names), WithLogger(logger)), closer, nil
}

// NormalizeDSN applies the connection settings the store depends on. MySQL connections must
// report matched rows rather than changed rows and parse DATETIME as UTC; SQLite connections
// must enforce foreign keys.
func NormalizeDSN(dialect, dsn string) (string, error) {
	switch dialect {
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql DSN: %w", err)
		}
		cfg.ClientFoundRows = true
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil
	case "postgres":
		if _, err := pgx.ParseConfig(dsn); err != nil {
			return "", fmt.Errorf("invalid postgres DSN: %w", err)
		}
		return dsn, nil
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		if strings.Contains(dsn, "foreign_keys") {
			return dsn, nil
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "_pragma=" + url.QueryEscape("foreign_keys(1)"), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

func isSQLiteMemory(dsn string) bool {
	return dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}
