package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"pmquery/internal/filter"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Dialect captures the SQL differences between supported backends.
type Dialect interface {
	// Name is the configuration name of the dialect.
	Name() string
	// DriverName is the database/sql driver the dialect expects.
	DriverName() string
	Quote(ident string) string
	Placeholder() sq.PlaceholderFormat
	// ColumnType returns the DDL type for f. key marks columns that are part of a primary,
	// unique or foreign key and therefore need an indexable type.
	ColumnType(f *schema.Field, key bool) string
	// Encode converts a normalized value into a driver argument for f.
	Encode(f *schema.Field, v any) (any, error)

	unbounded() string
	like(col string, op filter.Op, needle string, insensitive bool) sq.Sqlizer
	json(col string, c *filter.JSONCmp) (sq.Sqlizer, error)
	indexIfNotExists() bool
}

// ParseDialect resolves a dialect by name.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql", "tidb":
		return MySQL{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q (expected mysql, postgres or sqlite)", name)
	}
}

func encodeCommon(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if f.Kind == value.KindJSON {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(raw), nil
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC(), nil
	}
	return v, nil
}

// likePattern escapes needle for LIKE with a backslash escape and wraps it for op.
func likePattern(op filter.Op, needle string) string {
	var b strings.Builder
	for _, r := range needle {
		if r == '\\' || r == '%' || r == '_' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return wrapPattern(op, b.String(), "%")
}

// globPattern escapes needle for SQLite GLOB, which is case sensitive.
func globPattern(op filter.Op, needle string) string {
	var b strings.Builder
	for _, r := range needle {
		switch r {
		case '*', '?', '[':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}
	return wrapPattern(op, b.String(), "*")
}

func wrapPattern(op filter.Op, escaped, any string) string {
	switch op {
	case filter.OpStartsWith:
		return escaped + any
	case filter.OpEndsWith:
		return any + escaped
	default:
		return any + escaped + any
	}
}

// MySQL targets MySQL 8 and TiDB. Text columns use a binary collation so comparisons and
// uniqueness are case sensitive.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

// Quote quotes an identifier with backticks.
func (MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQL) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (MySQL) ColumnType(f *schema.Field, key bool) string {
	switch f.Kind {
	case value.KindInt:
		return "BIGINT"
	case value.KindFloat:
		return "DOUBLE"
	case value.KindBoolean:
		return "BOOLEAN"
	case value.KindDateTime:
		return "DATETIME(6)"
	case value.KindJSON:
		return "JSON"
	case value.KindEnum:
		return "VARCHAR(32) COLLATE utf8mb4_bin"
	default:
		if key {
			return "VARCHAR(191) COLLATE utf8mb4_bin"
		}
		return "TEXT COLLATE utf8mb4_bin"
	}
}

func (MySQL) Encode(f *schema.Field, v any) (any, error) { return encodeCommon(f, v) }

func (MySQL) unbounded() string      { return "18446744073709551615" }
func (MySQL) indexIfNotExists() bool { return false }

func (MySQL) like(col string, op filter.Op, needle string, insensitive bool) sq.Sqlizer {
	if insensitive {
		return sq.Expr("LOWER("+col+") LIKE ?", likePattern(op, strings.ToLower(needle)))
	}
	return sq.Expr(col+" LIKE ?", likePattern(op, needle))
}

// Postgres targets PostgreSQL through pgx. Text columns use the C collation so ordering
// is bytewise.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

// Quote quotes an identifier with double quotes.
func (Postgres) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (Postgres) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (Postgres) ColumnType(f *schema.Field, _ bool) string {
	switch f.Kind {
	case value.KindInt:
		return "BIGINT"
	case value.KindFloat:
		return "DOUBLE PRECISION"
	case value.KindBoolean:
		return "BOOLEAN"
	case value.KindDateTime:
		return "TIMESTAMP(6)"
	case value.KindJSON:
		return "JSONB"
	default:
		return `TEXT COLLATE "C"`
	}
}

func (Postgres) Encode(f *schema.Field, v any) (any, error) { return encodeCommon(f, v) }

func (Postgres) unbounded() string      { return "ALL" }
func (Postgres) indexIfNotExists() bool { return true }

func (Postgres) like(col string, op filter.Op, needle string, insensitive bool) sq.Sqlizer {
	if insensitive {
		return sq.Expr("LOWER("+col+") LIKE ?", likePattern(op, strings.ToLower(needle)))
	}
	return sq.Expr(col+" LIKE ?", likePattern(op, needle))
}

// SQLite targets modernc.org/sqlite. Timestamps are stored as fixed-width UTC text and
// booleans as integers.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite" }

// Quote quotes an identifier with double quotes.
func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (SQLite) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (SQLite) ColumnType(f *schema.Field, _ bool) string {
	switch f.Kind {
	case value.KindInt, value.KindBoolean:
		return "INTEGER"
	case value.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (SQLite) Encode(f *schema.Field, v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(value.TextTimeLayout), nil
	case bool:
		if f.Kind != value.KindJSON {
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		}
	}
	return encodeCommon(f, v)
}

func (SQLite) unbounded() string      { return "-1" }
func (SQLite) indexIfNotExists() bool { return true }

func (SQLite) like(col string, op filter.Op, needle string, insensitive bool) sq.Sqlizer {
	if insensitive {
		return sq.Expr("LOWER("+col+`) LIKE ? ESCAPE '\'`, likePattern(op, strings.ToLower(needle)))
	}
	return sq.Expr(col+" GLOB ?", globPattern(op, needle))
}
