package planner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"pmquery/internal/filter"
	"pmquery/internal/value"
)

var (
	sqlTrue  = sq.Expr("1 = 1")
	sqlFalse = sq.Expr("1 = 0")
)

func isIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// jsonPath renders a MySQL/SQLite path expression such as $."settings"[0].
func jsonPath(path []string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range path {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString(`."` + strings.ReplaceAll(seg, `"`, `\"`) + `"`)
	}
	return b.String()
}

func jsonLiteral(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json literal: %w", err)
	}
	return string(raw), nil
}

// asList wraps scalars so array operators always receive a list.
func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func comparator(op filter.JSONOp) string {
	switch op {
	case filter.JSONLt:
		return "<"
	case filter.JSONLte:
		return "<="
	case filter.JSONGt:
		return ">"
	default:
		return ">="
	}
}

func isNumber(v any) bool {
	_, ok := value.ToFloat(v)
	return ok
}

func (MySQL) json(col string, c *filter.JSONCmp) (sq.Sqlizer, error) {
	p := jsonPath(c.Path)
	x := "JSON_EXTRACT(" + col + ", ?)"
	typ := "COALESCE(JSON_TYPE(" + x + "), 'NULL')"
	present := sq.Expr(typ+" <> 'NULL'", p)

	switch c.Op {
	case filter.JSONIsNull:
		return sq.Expr(typ+" = 'NULL'", p), nil
	case filter.JSONIsNotNull:
		return present, nil
	case filter.JSONEquals, filter.JSONNotEquals:
		lit, err := jsonLiteral(c.Value)
		if err != nil {
			return nil, err
		}
		eq := sq.Expr(x+" = CAST(? AS JSON)", p, lit)
		if c.Op == filter.JSONNotEquals {
			return sq.And{present, sq.Expr("NOT (?)", eq)}, nil
		}
		return sq.And{present, eq}, nil
	case filter.JSONStringContains, filter.JSONStringStartsWith, filter.JSONStringEndsWith:
		needle, _ := c.Value.(string)
		return sq.And{
			sq.Expr(typ+" = 'STRING'", p),
			sq.Expr("JSON_UNQUOTE("+x+") LIKE ?", p, likePattern(stringOp(c.Op), needle)),
		}, nil
	case filter.JSONArrayContains:
		lit, err := jsonLiteral(asList(c.Value))
		if err != nil {
			return nil, err
		}
		return sq.And{
			sq.Expr(typ+" = 'ARRAY'", p),
			sq.Expr("JSON_CONTAINS("+x+", CAST(? AS JSON))", p, lit),
		}, nil
	case filter.JSONArrayStartsWith, filter.JSONArrayEndsWith:
		items := asList(c.Value)
		conds := sq.And{
			sq.Expr(typ+" = 'ARRAY'", p),
			sq.Expr(fmt.Sprintf("JSON_LENGTH(%s) >= %d", x, len(items)), p),
		}
		for i, item := range items {
			seg := fmt.Sprintf("[%d]", i)
			if c.Op == filter.JSONArrayEndsWith {
				seg = fmt.Sprintf("[last-%d]", len(items)-1-i)
			}
			lit, err := jsonLiteral(item)
			if err != nil {
				return nil, err
			}
			conds = append(conds, sq.Expr("JSON_EXTRACT("+col+", ?) = CAST(? AS JSON)", p+seg, lit))
		}
		return conds, nil
	case filter.JSONLt, filter.JSONLte, filter.JSONGt, filter.JSONGte:
		switch v := c.Value.(type) {
		case string:
			return sq.And{
				sq.Expr(typ+" = 'STRING'", p),
				sq.Expr("JSON_UNQUOTE("+x+") "+comparator(c.Op)+" ?", p, v),
			}, nil
		default:
			if !isNumber(v) {
				return sqlFalse, nil
			}
			lit, err := jsonLiteral(v)
			if err != nil {
				return nil, err
			}
			return sq.And{
				sq.Expr(typ+" IN ('INTEGER', 'UNSIGNED INTEGER', 'DOUBLE', 'DECIMAL')", p),
				sq.Expr(x+" "+comparator(c.Op)+" CAST(? AS JSON)", p, lit),
			}, nil
		}
	}
	return nil, fmt.Errorf("unsupported json operator %q", c.Op)
}

func (Postgres) json(col string, c *filter.JSONCmp) (sq.Sqlizer, error) {
	p := append([]string{}, c.Path...)
	x := "(" + col + " #> ?)"
	text := "(" + col + " #>> ?)"
	typ := "COALESCE(jsonb_typeof(" + col + " #> ?), 'null')"
	present := sq.Expr(typ+" <> 'null'", p)

	switch c.Op {
	case filter.JSONIsNull:
		return sq.Expr(typ+" = 'null'", p), nil
	case filter.JSONIsNotNull:
		return present, nil
	case filter.JSONEquals, filter.JSONNotEquals:
		lit, err := jsonLiteral(c.Value)
		if err != nil {
			return nil, err
		}
		eq := sq.Expr(x+" = ?::jsonb", p, lit)
		if c.Op == filter.JSONNotEquals {
			return sq.And{present, sq.Expr("NOT (?)", eq)}, nil
		}
		return sq.And{present, eq}, nil
	case filter.JSONStringContains, filter.JSONStringStartsWith, filter.JSONStringEndsWith:
		needle, _ := c.Value.(string)
		return sq.And{
			sq.Expr(typ+" = 'string'", p),
			sq.Expr(text+" LIKE ?", p, likePattern(stringOp(c.Op), needle)),
		}, nil
	case filter.JSONArrayContains:
		lit, err := jsonLiteral(asList(c.Value))
		if err != nil {
			return nil, err
		}
		return sq.And{
			sq.Expr(typ+" = 'array'", p),
			sq.Expr(x+" @> ?::jsonb", p, lit),
		}, nil
	case filter.JSONArrayStartsWith, filter.JSONArrayEndsWith:
		items := asList(c.Value)
		var (
			elems []string
			args  []any
		)
		for i, item := range items {
			lit, err := jsonLiteral(item)
			if err != nil {
				return nil, err
			}
			if c.Op == filter.JSONArrayEndsWith {
				elems = append(elems, fmt.Sprintf("%s -> (jsonb_array_length(%s) - %d) = ?::jsonb", x, x, len(items)-i))
				args = append(args, p, p, lit)
			} else {
				elems = append(elems, fmt.Sprintf("%s -> %d = ?::jsonb", x, i))
				args = append(args, p, lit)
			}
		}
		body := "TRUE"
		if len(elems) > 0 {
			body = strings.Join(elems, " AND ")
		}
		// CASE fixes evaluation order: jsonb_array_length fails on non-arrays.
		sql := fmt.Sprintf("CASE WHEN %s = 'array' THEN (CASE WHEN jsonb_array_length(%s) >= %d THEN (%s) ELSE FALSE END) ELSE FALSE END",
			typ, x, len(items), body)
		return sq.Expr(sql, append([]any{p, p}, args...)...), nil
	case filter.JSONLt, filter.JSONLte, filter.JSONGt, filter.JSONGte:
		switch v := c.Value.(type) {
		case string:
			return sq.Expr(fmt.Sprintf(`CASE WHEN %s = 'string' THEN %s COLLATE "C" %s ? ELSE FALSE END`, typ, text, comparator(c.Op)), p, p, v), nil
		default:
			f, ok := value.ToFloat(v)
			if !ok {
				return sqlFalse, nil
			}
			return sq.Expr(fmt.Sprintf("CASE WHEN %s = 'number' THEN %s::numeric %s ? ELSE FALSE END", typ, text, comparator(c.Op)), p, p, f), nil
		}
	}
	return nil, fmt.Errorf("unsupported json operator %q", c.Op)
}

// sqliteMatch compares a JSON node, described by its json_type and SQL value expressions,
// with a literal. typeArgs and valueArgs bind the placeholders of each expression.
func sqliteMatch(typ string, typeArgs []any, val string, valueArgs []any, lit any) (sq.Sqlizer, error) {
	switch v := lit.(type) {
	case nil:
		return sq.Expr(typ+" = 'null'", typeArgs...), nil
	case bool:
		return sq.Expr(typ+" = ?", append(typeArgs, strconv.FormatBool(v))...), nil
	case string:
		return sq.And{sq.Expr(typ+" = 'text'", typeArgs...), sq.Expr(val+" = ?", append(valueArgs, v)...)}, nil
	case map[string]any, []any:
		text, err := jsonLiteral(v)
		if err != nil {
			return nil, err
		}
		return sq.And{sq.Expr(typ+" IN ('array', 'object')", typeArgs...), sq.Expr(val+" = json(?)", append(valueArgs, text)...)}, nil
	default:
		f, ok := value.ToFloat(v)
		if !ok {
			return sqlFalse, nil
		}
		return sq.And{sq.Expr(typ+" IN ('integer', 'real')", typeArgs...), sq.Expr(val+" = ?", append(valueArgs, f)...)}, nil
	}
}

func (SQLite) json(col string, c *filter.JSONCmp) (sq.Sqlizer, error) {
	p := jsonPath(c.Path)
	x := "json_extract(" + col + ", ?)"
	typ := "COALESCE(json_type(" + col + ", ?), 'null')"
	present := sq.Expr(typ+" <> 'null'", p)

	switch c.Op {
	case filter.JSONIsNull:
		return sq.Expr(typ+" = 'null'", p), nil
	case filter.JSONIsNotNull:
		return present, nil
	case filter.JSONEquals, filter.JSONNotEquals:
		eq, err := sqliteMatch(typ, []any{p}, x, []any{p}, c.Value)
		if err != nil {
			return nil, err
		}
		if c.Op == filter.JSONNotEquals {
			return sq.And{present, sq.Expr("NOT (?)", eq)}, nil
		}
		return sq.And{present, eq}, nil
	case filter.JSONStringContains, filter.JSONStringStartsWith, filter.JSONStringEndsWith:
		needle, _ := c.Value.(string)
		return sq.And{
			sq.Expr(typ+" = 'text'", p),
			sq.Expr(x+" GLOB ?", p, globPattern(stringOp(c.Op), needle)),
		}, nil
	case filter.JSONArrayContains:
		conds := sq.And{sq.Expr(typ+" = 'array'", p)}
		for _, item := range asList(c.Value) {
			match, err := sqliteMatch("je.type", nil, "je.value", nil, item)
			if err != nil {
				return nil, err
			}
			conds = append(conds, sq.Expr("EXISTS (SELECT 1 FROM json_each("+col+", ?) AS je WHERE ?)", p, match))
		}
		return conds, nil
	case filter.JSONArrayStartsWith, filter.JSONArrayEndsWith:
		items := asList(c.Value)
		conds := sq.And{
			sq.Expr(typ+" = 'array'", p),
			sq.Expr(fmt.Sprintf("json_array_length(%s, ?) >= %d", col, len(items)), p),
		}
		for i, item := range items {
			seg := fmt.Sprintf("[%d]", i)
			if c.Op == filter.JSONArrayEndsWith {
				seg = fmt.Sprintf("[#-%d]", len(items)-i)
			}
			match, err := sqliteMatch("json_type("+col+", ?)", []any{p + seg}, "json_extract("+col+", ?)", []any{p + seg}, item)
			if err != nil {
				return nil, err
			}
			conds = append(conds, match)
		}
		return conds, nil
	case filter.JSONLt, filter.JSONLte, filter.JSONGt, filter.JSONGte:
		switch v := c.Value.(type) {
		case string:
			return sq.And{sq.Expr(typ+" = 'text'", p), sq.Expr(x+" "+comparator(c.Op)+" ?", p, v)}, nil
		default:
			f, ok := value.ToFloat(v)
			if !ok {
				return sqlFalse, nil
			}
			return sq.And{sq.Expr(typ+" IN ('integer', 'real')", p), sq.Expr(x+" "+comparator(c.Op)+" ?", p, f)}, nil
		}
	}
	return nil, fmt.Errorf("unsupported json operator %q", c.Op)
}

func stringOp(op filter.JSONOp) filter.Op {
	switch op {
	case filter.JSONStringStartsWith:
		return filter.OpStartsWith
	case filter.JSONStringEndsWith:
		return filter.OpEndsWith
	default:
		return filter.OpContains
	}
}
