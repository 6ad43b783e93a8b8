package aggregate

import (
	"sort"

	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Func is an aggregate function key as it appears in requests and results.
type Func string

const (
	Count Func = "_count"
	Avg   Func = "_avg"
	Sum   Func = "_sum"
	Min   Func = "_min"
	Max   Func = "_max"
)

// Funcs lists the aggregate keys in result order.
var Funcs = []Func{Count, Avg, Sum, Min, Max}

// All is the _count pseudo-field counting rows rather than non-null values.
const All = "_all"

func isFunc(key string) bool {
	for _, f := range Funcs {
		if string(f) == key {
			return true
		}
	}
	return false
}

// Term is one aggregate computation.
type Term struct {
	Func  Func
	Field string
}

// Key is the flattened column name used for having and orderBy evaluation.
func (t Term) Key() string {
	return string(t.Func) + "." + t.Field
}

// Selection lists the aggregates a request returns. CountRows marks `_count: true`, which
// yields a bare row count instead of a per-field object.
type Selection struct {
	CountRows bool
	Terms     []Term
}

// Empty reports whether nothing was selected.
func (s *Selection) Empty() bool {
	return !s.CountRows && len(s.Terms) == 0
}

// resultKind is the kind of an aggregate value, used to type having predicates.
func resultKind(entity *schema.Entity, t Term) (*schema.Field, error) {
	if t.Func == Count {
		if t.Field != All {
			if _, err := entity.MustField(t.Field); err != nil {
				return nil, err
			}
		}
		return &schema.Field{Name: t.Key(), Kind: value.KindInt}, nil
	}
	f, err := entity.MustField(t.Field)
	if err != nil {
		return nil, err
	}
	switch t.Func {
	case Avg:
		if !f.Kind.IsNumeric() {
			return nil, queryerr.Validation(entity.Name, "_avg only applies to Int and Float fields, not %s", f.Name)
		}
		return &schema.Field{Name: t.Key(), Kind: value.KindFloat, Nullable: true}, nil
	case Sum:
		if !f.Kind.IsNumeric() {
			return nil, queryerr.Validation(entity.Name, "_sum only applies to Int and Float fields, not %s", f.Name)
		}
		return &schema.Field{Name: t.Key(), Kind: f.Kind, Nullable: true}, nil
	default:
		if !f.Kind.IsOrderable() {
			return nil, queryerr.Validation(entity.Name, "%s does not apply to %s field %s", t.Func, f.Kind, f.Name)
		}
		return &schema.Field{Name: t.Key(), Kind: f.Kind, Enum: f.Enum, Nullable: true}, nil
	}
}

// ParseSelection reads _count/_avg/_sum/_min/_max from args.
func ParseSelection(entity *schema.Entity, args map[string]any) (*Selection, error) {
	sel := &Selection{}
	for _, fn := range Funcs {
		raw, ok := value.Present(args, string(fn))
		if !ok || raw == false {
			continue
		}
		if fn == Count && raw == true {
			sel.CountRows = true
			continue
		}
		m, ok := value.AsMap(raw)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "%s expects an object of fields", fn)
		}
		fields := make([]string, 0, len(m))
		for k, v := range m {
			if v == true {
				fields = append(fields, k)
			} else if v != false && !value.IsUndefined(v) {
				return nil, queryerr.Validation(entity.Name, "%s.%s expects true or false", fn, k)
			}
		}
		sort.Strings(fields)
		for _, name := range fields {
			if name == All && fn != Count {
				return nil, queryerr.Validation(entity.Name, "_all is only valid inside _count")
			}
			t := Term{Func: fn, Field: name}
			if _, err := resultKind(entity, t); err != nil {
				return nil, err
			}
			sel.Terms = append(sel.Terms, t)
		}
	}
	return sel, nil
}

// result shapes computed values into the nested response form.
func (s *Selection) result(values map[string]any) map[string]any {
	out := map[string]any{}
	if s.CountRows {
		out[string(Count)] = values[Term{Func: Count, Field: All}.Key()]
	}
	for _, t := range s.Terms {
		group, ok := out[string(t.Func)].(map[string]any)
		if !ok {
			group = map[string]any{}
			out[string(t.Func)] = group
		}
		group[t.Field] = values[t.Key()]
	}
	return out
}

// terms returns every term the selection needs computed.
func (s *Selection) terms() []Term {
	out := append([]Term(nil), s.Terms...)
	if s.CountRows {
		out = append(out, Term{Func: Count, Field: All})
	}
	return out
}
