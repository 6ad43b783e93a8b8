package filter

import (
	"strconv"
	"strings"

	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Source resolves the rows related to a row through a relation. For to-one relations it
// returns at most one row.
type Source interface {
	Related(rel *schema.Relation, row value.Row) []value.Row
}

// Eval reports whether row satisfies e. src may be nil when e has no relation nodes.
func Eval(e Expr, row value.Row, src Source) bool {
	switch n := e.(type) {
	case nil:
		return true
	case *Const:
		return n.Value
	case *And:
		for _, child := range n.Exprs {
			if !Eval(child, row, src) {
				return false
			}
		}
		return true
	case *Or:
		for _, child := range n.Exprs {
			if Eval(child, row, src) {
				return true
			}
		}
		return false
	case *Not:
		return !Eval(n.Expr, row, src)
	case *Cmp:
		return evalCmp(n, row[n.Field])
	case *JSONCmp:
		return evalJSON(n, row[n.Field])
	case *Relation:
		var related []value.Row
		if src != nil {
			related = src.Related(n.Relation, row)
		}
		return evalRelation(n, related, src)
	default:
		return false
	}
}

func evalRelation(n *Relation, related []value.Row, src Source) bool {
	switch n.Quantifier {
	case Some:
		for _, r := range related {
			if Eval(n.Where, r, src) {
				return true
			}
		}
		return false
	case Every:
		for _, r := range related {
			if !Eval(n.Where, r, src) {
				return false
			}
		}
		return true
	case None:
		for _, r := range related {
			if Eval(n.Where, r, src) {
				return false
			}
		}
		return true
	case Is:
		return len(related) > 0 && Eval(n.Where, related[0], src)
	default:
		return false
	}
}

func fold(v any, insensitive bool) any {
	if s, ok := v.(string); ok && insensitive {
		return strings.ToLower(s)
	}
	return v
}

func evalCmp(c *Cmp, v any) bool {
	switch c.Op {
	case OpIsNull:
		return v == nil
	case OpIsNotNull:
		return v != nil
	}
	if v == nil {
		return false
	}
	v = fold(v, c.Insensitive)
	switch c.Op {
	case OpEquals:
		return value.Equal(v, fold(c.Value, c.Insensitive))
	case OpNotEquals:
		return !value.Equal(v, fold(c.Value, c.Insensitive))
	case OpIn, OpNotIn:
		found := false
		for _, candidate := range c.Values {
			if value.Equal(v, fold(candidate, c.Insensitive)) {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn)
	case OpLt:
		return value.Compare(v, fold(c.Value, c.Insensitive)) < 0
	case OpLte:
		return value.Compare(v, fold(c.Value, c.Insensitive)) <= 0
	case OpGt:
		return value.Compare(v, fold(c.Value, c.Insensitive)) > 0
	case OpGte:
		return value.Compare(v, fold(c.Value, c.Insensitive)) >= 0
	case OpContains, OpStartsWith, OpEndsWith:
		s, ok := v.(string)
		if !ok {
			return false
		}
		needle, _ := fold(c.Value, c.Insensitive).(string)
		switch c.Op {
		case OpContains:
			return strings.Contains(s, needle)
		case OpStartsWith:
			return strings.HasPrefix(s, needle)
		default:
			return strings.HasSuffix(s, needle)
		}
	default:
		return false
	}
}

// JSONAt walks path inside a JSON document, returning false when a segment is missing.
func JSONAt(doc any, path []string) (any, bool) {
	current := doc
	for _, seg := range path {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

func evalJSON(c *JSONCmp, doc any) bool {
	if doc == nil {
		return c.Op == JSONIsNull
	}
	target, found := JSONAt(doc, c.Path)
	switch c.Op {
	case JSONIsNull:
		return !found || target == nil
	case JSONIsNotNull:
		return found && target != nil
	}
	if !found || target == nil {
		return false
	}
	switch c.Op {
	case JSONEquals:
		return value.Equal(target, c.Value)
	case JSONNotEquals:
		return !value.Equal(target, c.Value)
	case JSONStringContains, JSONStringStartsWith, JSONStringEndsWith:
		s, ok := target.(string)
		needle, _ := c.Value.(string)
		if !ok {
			return false
		}
		switch c.Op {
		case JSONStringContains:
			return strings.Contains(s, needle)
		case JSONStringStartsWith:
			return strings.HasPrefix(s, needle)
		default:
			return strings.HasSuffix(s, needle)
		}
	case JSONArrayContains:
		arr, ok := target.([]any)
		if !ok {
			return false
		}
		wanted, isList := c.Value.([]any)
		if !isList {
			wanted = []any{c.Value}
		}
		for _, w := range wanted {
			if !containsJSON(arr, w) {
				return false
			}
		}
		return true
	case JSONArrayStartsWith, JSONArrayEndsWith:
		arr, ok := target.([]any)
		if !ok {
			return false
		}
		prefix, isList := c.Value.([]any)
		if !isList {
			prefix = []any{c.Value}
		}
		if len(prefix) > len(arr) {
			return false
		}
		offset := 0
		if c.Op == JSONArrayEndsWith {
			offset = len(arr) - len(prefix)
		}
		for i, w := range prefix {
			if !value.Equal(arr[offset+i], w) {
				return false
			}
		}
		return true
	case JSONLt, JSONLte, JSONGt, JSONGte:
		cmp, ok := compareJSONScalar(target, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case JSONLt:
			return cmp < 0
		case JSONLte:
			return cmp <= 0
		case JSONGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	default:
		return false
	}
}

func containsJSON(arr []any, v any) bool {
	for _, item := range arr {
		if value.Equal(item, v) {
			return true
		}
	}
	return false
}

func compareJSONScalar(a, b any) (int, bool) {
	af, aNum := a.(float64)
	bf, bNum := value.ToFloat(b)
	if aNum && bNum {
		return value.Compare(af, bf), true
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}
