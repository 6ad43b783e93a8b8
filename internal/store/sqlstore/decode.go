package sqlstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pmquery/internal/dbexec"
	"pmquery/internal/filter"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

func filterByID(id any) filter.Expr {
	return filter.Eq(schema.PrimaryKey, id)
}

// scanRows reads every row into a value.Row keyed by field name. Columns arrive in field
// declaration order, matching the planner's select list.
func scanRows(entity *schema.Entity, rows dbexec.Rows) ([]value.Row, error) {
	raw := make([]any, len(entity.Fields))
	dest := make([]any, len(entity.Fields))
	for i := range raw {
		dest[i] = &raw[i]
	}

	var out []value.Row
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", entity.Name, err)
		}
		row := make(value.Row, len(entity.Fields))
		for i, f := range entity.Fields {
			v, err := decodeValue(f, raw[i])
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s.%s: %w", entity.Name, f.Name, err)
			}
			row[f.Name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeValue converts a driver value into the canonical representation of f's kind.
func decodeValue(f *schema.Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch f.Kind {
	case value.KindString, value.KindEnum:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case value.KindInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case int:
			return int64(v), nil
		case float64:
			if v == math.Trunc(v) {
				return int64(v), nil
			}
		case []byte:
			return strconv.ParseInt(string(v), 10, 64)
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
	case value.KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case []byte:
			return strconv.ParseFloat(string(v), 64)
		case string:
			return strconv.ParseFloat(v, 64)
		}
	case value.KindBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case []byte:
			return parseBool(string(v))
		case string:
			return parseBool(v)
		}
	case value.KindDateTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case []byte:
			return value.ParseTime(string(v))
		case string:
			return value.ParseTime(v)
		}
	case value.KindJSON:
		switch v := raw.(type) {
		case []byte:
			return decodeJSON(v)
		case string:
			return decodeJSON([]byte(v))
		default:
			return value.NormalizeJSON(v)
		}
	}
	return nil, fmt.Errorf("unexpected %T for %s column", raw, f.Kind)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "t", "true":
		return true, nil
	case "0", "f", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func decodeJSON(b []byte) (any, error) {
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
