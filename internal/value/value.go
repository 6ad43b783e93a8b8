// Package value defines the row representation shared by the filter, ordering, mutation and
// storage layers, together with literal coercion against declared scalar kinds and a total
// ordering over normalized values.
package value

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the declared scalar kind of a field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBoolean
	KindDateTime
	KindJSON
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindBoolean:
		return "Boolean"
	case KindDateTime:
		return "DateTime"
	case KindJSON:
		return "Json"
	case KindEnum:
		return "Enum"
	default:
		return "Unknown"
	}
}

// IsNumeric reports whether the kind supports arithmetic and averaging.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat
}

// IsOrderable reports whether values of the kind can be compared with lt/gt and min/max.
func (k Kind) IsOrderable() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindDateTime, KindEnum, KindBoolean:
		return true
	default:
		return false
	}
}

// Row is the internal representation of one entity record keyed by field name.
// A key that is present with a nil value is a null column; a missing key is an absent field.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

// Undefined marks a caller-supplied value that carries no constraint. It is distinct from nil,
// which always means SQL NULL.
var Undefined any = undefinedValue{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// ErrEnumValue is wrapped by Coerce when a string is not a declared enum variant.
var ErrEnumValue = errors.New("value is not a declared enum variant")

// ErrKind is wrapped by Coerce when a literal does not match the declared kind.
var ErrKind = errors.New("literal does not match declared kind")

// Coerce normalizes a caller literal to the canonical Go representation of kind:
// string, int64, float64, bool, time.Time (UTC), JSON trees, or a validated enum string.
// nil passes through unchanged.
func Coerce(kind Kind, enumValues []string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			break
		}
		for _, allowed := range enumValues {
			if s == allowed {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %q (allowed: %s)", ErrEnumValue, s, strings.Join(enumValues, ", "))
	case KindInt:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
	case KindFloat:
		if f, ok := ToFloat(v); ok {
			return f, nil
		}
	case KindBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindDateTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return t.UTC(), nil
		case string:
			parsed, err := ParseTime(t)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid DateTime %q", ErrKind, t)
			}
			return parsed, nil
		}
	case KindJSON:
		return NormalizeJSON(v)
	}
	return nil, fmt.Errorf("%w: expected %s, got %T", ErrKind, kind, v)
}

// ParseTime accepts RFC3339 timestamps with or without fractional seconds, and the fixed
// width layout used by text-backed storage.
func ParseTime(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339, TextTimeLayout, "2006-01-02 15:04:05", "2006-01-02"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// TextTimeLayout is a fixed-width UTC layout whose lexical order equals chronological order.
const TextTimeLayout = "2006-01-02 15:04:05.000000000"

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		if float32(int64(n)) == n {
			return int64(n), true
		}
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1<<63 {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// ToFloat converts any numeric representation to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// NormalizeJSON converts a JSON-compatible Go value into the tree produced by encoding/json
// (map[string]any, []any, float64, string, bool, nil).
func NormalizeJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			n, err := NormalizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			n, err := NormalizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case Row:
		return NormalizeJSON(map[string]any(t))
	}
	if f, ok := ToFloat(v); ok {
		return f, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T is not JSON encodable", ErrKind, v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	case time.Time:
		return 4
	default:
		return 5
	}
}

// Compare orders two normalized values. nil sorts before everything else; values of
// different types sort by a fixed type rank.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return cmpInt64(av, bv)
		}
		return cmpFloat(float64(av), b.(float64))
	case float64:
		bf, _ := ToFloat(b)
		return cmpFloat(av, bf)
	case string:
		return strings.Compare(av, b.(string))
	case time.Time:
		return av.Compare(b.(time.Time))
	default:
		return strings.Compare(Key(a), Key(b))
	}
}

// Equal reports whether two normalized values are equal, comparing numbers numerically and
// JSON trees structurally.
func Equal(a, b any) bool {
	if typeRank(a) == 5 || typeRank(b) == 5 {
		return Key(a) == Key(b)
	}
	return Compare(a, b) == 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Key renders values as a stable string usable as a map key for uniqueness, distinct and
// grouping. Numerically equal int64 and float64 values produce the same key.
func Key(values ...any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte('|')
		}
		writeKey(&b, v)
	}
	return b.String()
}

func writeKey(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("n:")
	case bool:
		b.WriteString("b:" + strconv.FormatBool(t))
	case int64:
		b.WriteString("d:" + strconv.FormatInt(t, 10))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			b.WriteString("d:" + strconv.FormatInt(int64(t), 10))
		} else {
			b.WriteString("d:" + strconv.FormatFloat(t, 'g', -1, 64))
		}
	case string:
		b.WriteString("s:" + strconv.Quote(t))
	case time.Time:
		b.WriteString("t:" + t.UTC().Format(time.RFC3339Nano))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k) + ":")
			writeKey(b, t[k])
		}
		b.WriteString("}")
	case []any:
		b.WriteString("[")
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeKey(b, item)
		}
		b.WriteString("]")
	default:
		if f, ok := ToFloat(v); ok {
			writeKey(b, f)
			return
		}
		b.WriteString(fmt.Sprintf("x:%v", t))
	}
}
