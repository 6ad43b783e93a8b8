// Package loader reads root row sets and expands include/select relation trees with one
// batched storage query per relation per level.
package loader

import (
	"context"
	"fmt"

	"pmquery/internal/filter"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// CountKey is the row key holding relation counts.
const CountKey = "_count"

// Loader expands relations against a store passed per call, so it can run inside or outside
// a transaction.
type Loader struct {
	reg *schema.Registry
}

// New creates a loader.
func New(reg *schema.Registry) *Loader {
	return &Loader{reg: reg}
}

// ResolveCursor fetches the row a cursor points at.
func ResolveCursor(ctx context.Context, st store.Store, entity *schema.Entity, uw *query.UniqueWhere) (value.Row, error) {
	limit := 1
	rows, err := st.Select(ctx, store.Query{Entity: entity, Where: uw.Expr, Limit: &limit})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, queryerr.CursorNotFound(entity.Name)
	}
	return rows[0], nil
}

// Find returns the rows selected by args in their final order. Ordering and skip/take are
// pushed down to storage when no cursor, distinct, backward take or relation ordering is
// involved.
func (l *Loader) Find(ctx context.Context, st store.Store, entity *schema.Entity, args *query.FindArgs) ([]value.Row, error) {
	if args.Pushdown() {
		rows, err := st.Select(ctx, store.Query{
			Entity:  entity,
			Where:   args.Where,
			OrderBy: args.OrderBy,
			Limit:   args.Take,
			Offset:  args.Skip,
		})
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", entity.Name, err)
		}
		return rows, nil
	}

	rows, err := st.Select(ctx, store.Query{Entity: entity, Where: args.Where})
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", entity.Name, err)
	}
	var cursorRow value.Row
	if args.Cursor != nil {
		if cursorRow, err = ResolveCursor(ctx, st, entity, args.Cursor); err != nil {
			return nil, err
		}
	}
	return l.window(ctx, st, rows, cursorRow, args)
}

func (l *Loader) window(ctx context.Context, st store.Store, rows []value.Row, cursorRow value.Row, args *query.FindArgs) ([]value.Row, error) {
	var src filter.Source
	if !rowset.AllScalar(args.OrderBy) {
		all := rows
		if cursorRow != nil {
			all = append(append([]value.Row(nil), rows...), cursorRow)
		}
		var err error
		if src, err = l.orderSource(ctx, st, all, args.OrderBy); err != nil {
			return nil, err
		}
	}
	rowset.Sort(rows, args.OrderBy, src)
	rows = rowset.Distinct(rows, args.Distinct)
	return rowset.Apply(rows, args.Window(cursorRow), rowset.Comparator(args.OrderBy, src)), nil
}

// Load expands sel on rows in place, writing related rows under the relation names and
// counts under CountKey.
func (l *Loader) Load(ctx context.Context, st store.Store, entity *schema.Entity, rows []value.Row, sel *query.Selection) error {
	if sel == nil || len(rows) == 0 {
		return nil
	}
	for _, rs := range sel.Relations {
		var err error
		if rs.Relation.Cardinality == schema.One {
			err = l.loadOne(ctx, st, rows, rs)
		} else {
			err = l.loadMany(ctx, st, rows, rs)
		}
		if err != nil {
			return err
		}
	}
	if sel.HasCount {
		return l.loadCounts(ctx, st, rows, sel.Count)
	}
	return nil
}

func distinctValues(rows []value.Row, field string) []any {
	seen := map[string]bool{}
	var out []any
	for _, r := range rows {
		v := r[field]
		if v == nil {
			continue
		}
		k := value.Key(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func (l *Loader) loadOne(ctx context.Context, st store.Store, rows []value.Row, rs *query.RelationSelection) error {
	rel := rs.Relation
	target := l.reg.Target(rel)
	keys := distinctValues(rows, rel.FKField)

	byID := map[string]value.Row{}
	var targets []value.Row
	if len(keys) > 0 {
		var err error
		targets, err = st.Select(ctx, store.Query{Entity: target, Where: filter.In(schema.PrimaryKey, keys)})
		if err != nil {
			return fmt.Errorf("load %s.%s: %w", rel.Entity, rel.Name, err)
		}
		for _, t := range targets {
			byID[value.Key(t[schema.PrimaryKey])] = t
		}
	}
	for _, r := range rows {
		fk := r[rel.FKField]
		if fk == nil {
			r[rel.Name] = nil
			continue
		}
		if t, ok := byID[value.Key(fk)]; ok {
			r[rel.Name] = t
		} else {
			r[rel.Name] = nil
		}
	}
	return l.Load(ctx, st, target, targets, rs.Selection)
}

func (l *Loader) loadMany(ctx context.Context, st store.Store, rows []value.Row, rs *query.RelationSelection) error {
	rel := rs.Relation
	target := l.reg.Target(rel)
	find := rs.Find
	ids := distinctValues(rows, schema.PrimaryKey)

	var children []value.Row
	if len(ids) > 0 {
		var err error
		children, err = st.Select(ctx, store.Query{
			Entity: target,
			Where:  filter.AndOf(filter.In(rel.FKField, ids), find.Where),
		})
		if err != nil {
			return fmt.Errorf("load %s.%s: %w", rel.Entity, rel.Name, err)
		}
	}

	var cursorRow value.Row
	if find.Cursor != nil {
		var err error
		if cursorRow, err = ResolveCursor(ctx, st, target, find.Cursor); err != nil {
			return err
		}
	}

	var src filter.Source
	if !rowset.AllScalar(find.OrderBy) {
		all := children
		if cursorRow != nil {
			all = append(append([]value.Row(nil), children...), cursorRow)
		}
		var err error
		if src, err = l.orderSource(ctx, st, all, find.OrderBy); err != nil {
			return err
		}
	}
	rowset.Sort(children, find.OrderBy, src)
	cmp := rowset.Comparator(find.OrderBy, src)

	groups := map[string][]value.Row{}
	for _, c := range children {
		k := value.Key(c[rel.FKField])
		groups[k] = append(groups[k], c)
	}

	var kept []value.Row
	for _, r := range rows {
		group := groups[value.Key(r[schema.PrimaryKey])]
		group = rowset.Distinct(group, find.Distinct)
		group = rowset.Apply(group, find.Window(cursorRow), cmp)
		list := make([]value.Row, len(group))
		copy(list, group)
		r[rel.Name] = list
		kept = append(kept, list...)
	}
	return l.Load(ctx, st, target, kept, rs.Selection)
}

func (l *Loader) loadCounts(ctx context.Context, st store.Store, rows []value.Row, counts []query.CountRelation) error {
	ids := distinctValues(rows, schema.PrimaryKey)
	perRelation := make(map[string]map[string]int64, len(counts))
	for _, cr := range counts {
		tally := map[string]int64{}
		if len(ids) > 0 {
			children, err := st.Select(ctx, store.Query{
				Entity: l.reg.Target(cr.Relation),
				Where:  filter.AndOf(filter.In(cr.Relation.FKField, ids), cr.Where),
			})
			if err != nil {
				return fmt.Errorf("count %s.%s: %w", cr.Relation.Entity, cr.Relation.Name, err)
			}
			for _, c := range children {
				tally[value.Key(c[cr.Relation.FKField])]++
			}
		}
		perRelation[cr.Relation.Name] = tally
	}
	for _, r := range rows {
		out := make(map[string]any, len(counts))
		key := value.Key(r[schema.PrimaryKey])
		for _, cr := range counts {
			out[cr.Relation.Name] = perRelation[cr.Relation.Name][key]
		}
		r[CountKey] = out
	}
	return nil
}
