// Package aggregate computes aggregate, groupBy and count results. Every argument is parsed
// and validated before the store is touched; the selected rows are then folded in memory.
package aggregate

import (
	"context"
	"sort"

	"pmquery/internal/filter"
	"pmquery/internal/loader"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// Argument names specific to aggregation.
const (
	ArgBy     = "by"
	ArgHaving = "having"
)

var (
	aggregateKeys = []string{query.ArgWhere, query.ArgOrderBy, query.ArgCursor, query.ArgTake, query.ArgSkip, string(Count), string(Avg), string(Sum), string(Min), string(Max)}
	groupByKeys   = []string{ArgBy, query.ArgWhere, ArgHaving, query.ArgOrderBy, query.ArgTake, query.ArgSkip, string(Count), string(Avg), string(Sum), string(Min), string(Max)}
	countKeys     = []string{query.ArgWhere, query.ArgOrderBy, query.ArgCursor, query.ArgTake, query.ArgSkip, query.ArgSelect}
)

// Engine evaluates aggregation requests.
type Engine struct {
	args   *query.Parser
	loader *loader.Loader
}

// New creates an aggregation engine.
func New(args *query.Parser, l *loader.Loader) *Engine {
	return &Engine{args: args, loader: l}
}

// Aggregate folds the rows selected by where/orderBy/cursor/take/skip.
func (e *Engine) Aggregate(ctx context.Context, st store.Store, entity *schema.Entity, args map[string]any) (map[string]any, error) {
	if err := query.CheckKeys(entity.Name, args, aggregateKeys...); err != nil {
		return nil, err
	}
	find, err := e.args.Find(entity, args)
	if err != nil {
		return nil, err
	}
	sel, err := ParseSelection(entity, args)
	if err != nil {
		return nil, err
	}
	if sel.Empty() {
		return nil, queryerr.Validation(entity.Name, "aggregate needs at least one of _count, _avg, _sum, _min, _max")
	}

	rows, err := e.loader.Find(ctx, st, entity, find)
	if err != nil {
		return nil, err
	}
	return sel.result(computeAll(sel.terms(), rows)), nil
}

// Count returns the number of selected rows, or per-field non-null counts when args carries
// select: {_all: true, field: true}.
func (e *Engine) Count(ctx context.Context, st store.Store, entity *schema.Entity, args map[string]any) (any, error) {
	if err := query.CheckKeys(entity.Name, args, countKeys...); err != nil {
		return nil, err
	}
	find, err := e.args.Find(entity, args)
	if err != nil {
		return nil, err
	}
	var terms []Term
	if raw, ok := value.Present(args, query.ArgSelect); ok && raw != true {
		sel, err := ParseSelection(entity, map[string]any{string(Count): raw})
		if err != nil {
			return nil, err
		}
		terms = sel.Terms
	}

	rows, err := e.loader.Find(ctx, st, entity, find)
	if err != nil {
		return nil, err
	}
	if terms == nil {
		return int64(len(rows)), nil
	}
	out := make(map[string]any, len(terms))
	for _, t := range terms {
		out[t.Field] = compute(t, rows)
	}
	return out, nil
}

// groupPlan is a validated groupBy request.
type groupPlan struct {
	by      []string
	where   filter.Expr
	having  filter.Expr
	order   []rowset.OrderTerm
	window  rowset.Window
	sel     *Selection
	compute []Term
}

// GroupBy partitions the rows matching where by the by fields and returns one record per
// group with the grouped values and the selected aggregates.
func (e *Engine) GroupBy(ctx context.Context, st store.Store, entity *schema.Entity, args map[string]any) ([]map[string]any, error) {
	plan, err := e.planGroupBy(entity, args)
	if err != nil {
		return nil, err
	}

	rows, err := st.Select(ctx, store.Query{Entity: entity, Where: plan.where})
	if err != nil {
		return nil, err
	}

	var (
		order  []string
		groups = map[string][]value.Row{}
	)
	tuple := make([]any, len(plan.by))
	for _, r := range rows {
		for i, f := range plan.by {
			tuple[i] = r[f]
		}
		key := value.Key(tuple...)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	flat := make([]value.Row, 0, len(order))
	for _, key := range order {
		members := groups[key]
		row := value.Row(computeAll(plan.compute, members))
		for _, f := range plan.by {
			row[f] = members[0][f]
		}
		if filter.Eval(plan.having, row, nil) {
			flat = append(flat, row)
		}
	}

	rowset.Sort(flat, plan.order, nil)
	flat = rowset.Apply(flat, plan.window, rowset.Comparator(plan.order, nil))

	out := make([]map[string]any, len(flat))
	for i, row := range flat {
		record := plan.sel.result(row)
		for _, f := range plan.by {
			record[f] = row[f]
		}
		out[i] = record
	}
	return out, nil
}

func (e *Engine) planGroupBy(entity *schema.Entity, args map[string]any) (*groupPlan, error) {
	if err := query.CheckKeys(entity.Name, args, groupByKeys...); err != nil {
		return nil, err
	}
	byRaw, ok := value.Present(args, ArgBy)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "groupBy needs a non-empty by")
	}
	by, err := query.ParseFieldList(entity, ArgBy, byRaw)
	if err != nil {
		return nil, err
	}
	if len(by) == 0 {
		return nil, queryerr.Validation(entity.Name, "groupBy needs a non-empty by")
	}
	plan := &groupPlan{by: by}
	inBy := make(map[string]bool, len(by))
	for _, f := range by {
		field, _ := entity.Field(f)
		if field.Kind == value.KindJSON {
			return nil, queryerr.Validation(entity.Name, "cannot group by Json field %s", f)
		}
		inBy[f] = true
	}

	if raw, ok := value.Present(args, query.ArgWhere); ok {
		if plan.where, err = e.args.Filters().Parse(entity, raw); err != nil {
			return nil, err
		}
	}

	if plan.sel, err = ParseSelection(entity, args); err != nil {
		return nil, err
	}
	plan.compute = plan.sel.terms()

	if raw, ok := value.Present(args, ArgHaving); ok {
		hp := &havingParser{entity: entity, by: inBy}
		if plan.having, err = hp.parse(raw); err != nil {
			return nil, err
		}
		plan.compute = append(plan.compute, hp.terms...)
	}

	orderRaw, hasOrder := value.Present(args, query.ArgOrderBy)
	if hasOrder {
		terms, orderTerms, err := parseGroupOrder(entity, inBy, orderRaw)
		if err != nil {
			return nil, err
		}
		plan.order = orderTerms
		plan.compute = append(plan.compute, terms...)
	}
	for _, f := range by {
		plan.order = append(plan.order, rowset.OrderTerm{Field: f, Direction: rowset.Asc})
	}

	_, hasTake := value.Present(args, query.ArgTake)
	_, hasSkip := value.Present(args, query.ArgSkip)
	if (hasTake || hasSkip) && !hasOrder {
		return nil, queryerr.Validation(entity.Name, "take and skip in groupBy require orderBy")
	}
	window := map[string]any{}
	for _, key := range []string{query.ArgTake, query.ArgSkip} {
		if v, ok := value.Present(args, key); ok {
			window[key] = v
		}
	}
	find, err := e.args.Find(entity, window)
	if err != nil {
		return nil, err
	}
	plan.window = rowset.Window{Skip: find.Skip, Take: find.Take}
	return plan, nil
}

// parseGroupOrder accepts grouped fields ({status: desc}) and aggregates
// ({_count: {id: desc}}, {_avg: {progress: asc}}).
func parseGroupOrder(entity *schema.Entity, inBy map[string]bool, raw any) ([]Term, []rowset.OrderTerm, error) {
	var items []any
	if m, ok := value.AsMap(raw); ok {
		items = []any{m}
	} else if list, ok := value.AsList(raw); ok {
		items = list
	} else {
		return nil, nil, queryerr.Validation(entity.Name, "orderBy must be an object or a list of objects")
	}

	var (
		terms []Term
		order []rowset.OrderTerm
	)
	for _, item := range items {
		m, ok := value.AsMap(item)
		if !ok {
			return nil, nil, queryerr.Validation(entity.Name, "orderBy entries must be objects")
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			v := m[key]
			if value.IsUndefined(v) {
				continue
			}
			if isFunc(key) {
				fields, ok := value.AsMap(v)
				if !ok {
					return nil, nil, queryerr.Validation(entity.Name, "orderBy.%s expects {field: asc|desc}", key)
				}
				names := make([]string, 0, len(fields))
				for n := range fields {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, name := range names {
					t := Term{Func: Func(key), Field: name}
					if _, err := resultKind(entity, t); err != nil {
						return nil, nil, err
					}
					dir, nulls, err := rowset.ParseDirection(entity.Name, t.Key(), fields[name])
					if err != nil {
						return nil, nil, err
					}
					terms = append(terms, t)
					order = append(order, rowset.OrderTerm{Field: t.Key(), Direction: dir, Nulls: nulls})
				}
				continue
			}
			if _, err := entity.MustField(key); err != nil {
				return nil, nil, err
			}
			if !inBy[key] {
				return nil, nil, queryerr.Validation(entity.Name, "orderBy.%s must also appear in by", key)
			}
			dir, nulls, err := rowset.ParseDirection(entity.Name, key, v)
			if err != nil {
				return nil, nil, err
			}
			order = append(order, rowset.OrderTerm{Field: key, Direction: dir, Nulls: nulls})
		}
	}
	return terms, order, nil
}
