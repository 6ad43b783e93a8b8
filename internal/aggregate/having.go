package aggregate

import (
	"sort"

	"pmquery/internal/filter"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// havingParser turns a having object into a predicate over flattened group rows, where
// grouped fields keep their names and aggregates appear under Term.Key.
type havingParser struct {
	entity *schema.Entity
	by     map[string]bool
	terms  []Term
}

func (h *havingParser) parse(raw any) (filter.Expr, error) {
	m, ok := value.AsMap(raw)
	if !ok {
		return nil, queryerr.Validation(h.entity.Name, "having must be an object")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var exprs []filter.Expr
	for _, key := range keys {
		v := m[key]
		if value.IsUndefined(v) {
			continue
		}
		var (
			e   filter.Expr
			err error
		)
		switch key {
		case "AND", "OR", "NOT":
			e, err = h.logical(key, v)
		default:
			e, err = h.field(key, v)
		}
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return filter.AndOf(exprs...), nil
}

func (h *havingParser) items(op string, raw any) ([]filter.Expr, error) {
	var list []any
	if m, ok := value.AsMap(raw); ok {
		list = []any{m}
	} else if l, ok := value.AsList(raw); ok {
		list = l
	} else {
		return nil, queryerr.Validation(h.entity.Name, "having.%s expects an object or a list", op)
	}
	out := make([]filter.Expr, 0, len(list))
	for _, item := range list {
		e, err := h.parse(item)
		if err != nil {
			return nil, err
		}
		if e == nil {
			e = &filter.Const{Value: true}
		}
		out = append(out, e)
	}
	return out, nil
}

func (h *havingParser) logical(op string, raw any) (filter.Expr, error) {
	items, err := h.items(op, raw)
	if err != nil {
		return nil, err
	}
	switch op {
	case "AND":
		return &filter.And{Exprs: items}, nil
	case "OR":
		return &filter.Or{Exprs: items}, nil
	default:
		negated := make([]filter.Expr, len(items))
		for i, e := range items {
			negated[i] = &filter.Not{Expr: e}
		}
		return &filter.And{Exprs: negated}, nil
	}
}

// field parses {field: predicate} or {field: {_avg: predicate, ...}}. Bare predicates are
// only valid on grouped fields.
func (h *havingParser) field(name string, raw any) (filter.Expr, error) {
	f, err := h.entity.MustField(name)
	if err != nil {
		return nil, err
	}

	m, isObject := value.AsMap(raw)
	aggregates, plain := 0, 0
	if isObject {
		for k := range m {
			if isFunc(k) {
				aggregates++
			} else {
				plain++
			}
		}
	}
	if aggregates > 0 && plain > 0 {
		return nil, queryerr.Validation(h.entity.Name, "having.%s mixes aggregate and field predicates", name)
	}

	if aggregates == 0 {
		if !h.by[name] {
			return nil, queryerr.Validation(h.entity.Name, "having.%s filters a field that is not in by; wrap it in an aggregate", name)
		}
		return filter.ParseFieldFilter(h.entity.Name, f, raw)
	}

	var exprs []filter.Expr
	for _, fn := range Funcs {
		pred, ok := value.Present(m, string(fn))
		if !ok {
			continue
		}
		t := Term{Func: fn, Field: name}
		synthetic, err := resultKind(h.entity, t)
		if err != nil {
			return nil, err
		}
		e, err := filter.ParseFieldFilter(h.entity.Name, synthetic, pred)
		if err != nil {
			return nil, err
		}
		h.terms = append(h.terms, t)
		exprs = append(exprs, e)
	}
	return filter.AndOf(exprs...), nil
}
