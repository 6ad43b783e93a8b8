package mutation

import (
	"context"
	"math"
	"sort"

	"pmquery/internal/filter"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// Update applies data to the row uw resolves to and returns the updated row.
func (p *Planner) Update(ctx context.Context, st store.Store, entity *schema.Entity, uw *query.UniqueWhere, data any) (value.Row, error) {
	current, err := p.findUnique(ctx, st, entity, uw)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, queryerr.NotFound(entity.Name, "no record found to update")
	}
	return p.update(ctx, st, entity, current, data, true)
}

// UpdateMany applies scalar data to every row matching where, in ascending primary key order
// and at most limit rows, and returns the number of rows updated.
func (p *Planner) UpdateMany(ctx context.Context, st store.Store, entity *schema.Entity, where filter.Expr, data any, limit *int) (int, error) {
	in, err := partition(entity, data)
	if err != nil {
		return 0, err
	}
	if in.relations > 0 {
		return 0, queryerr.Validation(entity.Name, "updateMany accepts scalar fields only")
	}
	rows, err := p.ordered(ctx, st, entity, where, limit)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		if _, err := p.update(ctx, st, entity, row, data, false); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

// Upsert updates the row uw resolves to or creates one from create. created reports which
// branch ran, so callers can retry a create that lost a race on the same key.
func (p *Planner) Upsert(ctx context.Context, st store.Store, entity *schema.Entity, uw *query.UniqueWhere, create, update any) (row value.Row, created bool, err error) {
	current, err := p.findUnique(ctx, st, entity, uw)
	if err != nil {
		return nil, false, err
	}
	if current != nil {
		row, err = p.update(ctx, st, entity, current, update, true)
		return row, false, err
	}
	row, err = p.create(ctx, st, entity, create, nil)
	return row, true, err
}

func (p *Planner) update(ctx context.Context, st store.Store, entity *schema.Entity, current value.Row, data any, nested bool) (value.Row, error) {
	in, err := partition(entity, data)
	if err != nil {
		return nil, err
	}
	if !nested && in.relations > 0 {
		return nil, queryerr.Validation(entity.Name, "updateMany accepts scalar fields only")
	}

	// Phase 1: scalar overwrites and arithmetic.
	set := value.Row{}
	names := make([]string, 0, len(in.scalars))
	for name := range in.scalars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, _ := entity.Field(name)
		v, err := p.scalarUpdate(entity, f, current[name], in.scalars[name])
		if err != nil {
			return nil, err
		}
		set[name] = v
	}

	// Phase 2: to-one writes.
	for _, w := range in.toOne {
		fk, err := p.resolveOne(ctx, st, entity, w)
		if err != nil {
			return nil, err
		}
		set[w.rel.FKField] = fk
	}

	id := current[schema.PrimaryKey]
	if len(set) > 0 || in.relations > 0 {
		p.touch(entity, set)
	}

	// Phase 3: checks and the row update.
	if len(set) > 0 {
		merged := current.Clone()
		changed := make(map[string]bool, len(set))
		for k, v := range set {
			merged[k] = v
			changed[k] = true
		}
		if err := p.checkRow(ctx, st, entity, merged, id, changed); err != nil {
			return nil, err
		}
		ok, err := st.Update(ctx, entity, id, set)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, queryerr.NotFound(entity.Name, "no record found to update")
		}
		id = merged[schema.PrimaryKey]
	}

	// Phase 4: to-many writes against the updated row.
	stored, err := p.fetch(ctx, st, entity, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, queryerr.NotFound(entity.Name, "updated row could not be loaded")
	}
	if len(in.toMany) == 0 {
		return stored, nil
	}
	for _, w := range in.toMany {
		if err := p.writeMany(ctx, st, entity, stored, w); err != nil {
			return nil, err
		}
	}
	return p.fetch(ctx, st, entity, id)
}

// touch stamps auto-updated fields the caller did not set explicitly.
func (p *Planner) touch(entity *schema.Entity, set value.Row) {
	now := p.now().UTC()
	for _, f := range entity.Fields {
		if !f.UpdatedAt {
			continue
		}
		if _, explicit := set[f.Name]; !explicit {
			set[f.Name] = now
		}
	}
}

// scalarUpdate resolves a literal or an operation object ({set}, {increment}, ...) against
// the current value.
func (p *Planner) scalarUpdate(entity *schema.Entity, f *schema.Field, current, raw any) (any, error) {
	m, isOp := value.AsMap(raw)
	if !isOp || f.Kind == value.KindJSON {
		return coerceField(entity, f, raw)
	}
	if len(m) != 1 {
		return nil, queryerr.Validation(entity.Name, "%s expects exactly one update operation", f.Name)
	}
	for op, operand := range m {
		switch op {
		case opSet:
			return coerceField(entity, f, operand)
		case opIncrement, opDecrement, opMultiply, opDivide:
			if !f.Kind.IsNumeric() {
				return nil, queryerr.Validation(entity.Name, "%s is only valid on Int and Float fields, not %s", op, f.Name)
			}
			return arithmetic(entity, f, op, current, operand)
		default:
			return nil, queryerr.Validation(entity.Name, "unknown update operation %q on %s", op, f.Name)
		}
	}
	return nil, nil
}

// arithmetic applies op to a numeric field. A null current value stays null; integer
// division truncates toward zero.
func arithmetic(entity *schema.Entity, f *schema.Field, op string, current, operand any) (any, error) {
	if operand == nil {
		return nil, queryerr.Validation(entity.Name, "%s on %s needs a number", op, f.Name)
	}
	n, err := f.Coerce(operand)
	if err != nil {
		return nil, queryerr.TypeMismatch(entity.Name, f.Name, err)
	}
	if current == nil {
		return nil, nil
	}

	if f.Kind == value.KindInt {
		a, ok := current.(int64)
		if !ok {
			return nil, queryerr.TypeMismatch(entity.Name, f.Name, value.ErrKind)
		}
		b := n.(int64)
		if op == opDivide && b == 0 {
			return nil, queryerr.Validation(entity.Name, "division by zero on %s", f.Name)
		}
		r, ok := intArithmetic(op, a, b)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "%s on %s overflows a 64-bit integer", op, f.Name)
		}
		return r, nil
	}

	a, ok := value.ToFloat(current)
	if !ok {
		return nil, queryerr.TypeMismatch(entity.Name, f.Name, value.ErrKind)
	}
	b := n.(float64)
	var r float64
	switch op {
	case opIncrement:
		r = a + b
	case opDecrement:
		r = a - b
	case opMultiply:
		r = a * b
	default:
		if b == 0 {
			return nil, queryerr.Validation(entity.Name, "division by zero on %s", f.Name)
		}
		r = a / b
	}
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return nil, queryerr.Validation(entity.Name, "%s on %s leaves the float range", op, f.Name)
	}
	return r, nil
}

// intArithmetic reports false when the result does not fit in an int64.
func intArithmetic(op string, a, b int64) (int64, bool) {
	switch op {
	case opIncrement:
		r := a + b
		return r, (b >= 0) == (r >= a)
	case opDecrement:
		r := a - b
		return r, (b >= 0) == (r <= a)
	case opMultiply:
		if a == 0 || b == 0 {
			return 0, true
		}
		if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return 0, false
		}
		r := a * b
		return r, r/b == a
	default:
		if a == math.MinInt64 && b == -1 {
			return 0, false
		}
		return a / b, true
	}
}
