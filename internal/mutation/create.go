package mutation

import (
	"context"
	"errors"

	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// parentLink carries the foreign key a nested to-many create inherits from its parent.
type parentLink struct {
	rel *schema.Relation // to-many relation on the parent
	id  any
}

// Create inserts one row together with its nested writes and returns the stored row.
func (p *Planner) Create(ctx context.Context, st store.Store, entity *schema.Entity, data any) (value.Row, error) {
	return p.create(ctx, st, entity, data, nil)
}

func (p *Planner) create(ctx context.Context, st store.Store, entity *schema.Entity, data any, parent *parentLink) (value.Row, error) {
	in, err := partition(entity, data)
	if err != nil {
		return nil, err
	}

	// Phase 1: scalar fields, including the key inherited from an enclosing write.
	row, err := p.scalarRow(entity, in, parent)
	if err != nil {
		return nil, err
	}

	// Phase 2: to-one writes resolve foreign keys before the row exists.
	for _, w := range in.toOne {
		if _, ok := w.ops[opDisconnect]; ok {
			return nil, queryerr.Validation(entity.Name, "%s.disconnect is not allowed when creating", w.rel.Name)
		}
		fk, err := p.resolveOne(ctx, st, entity, w)
		if err != nil {
			return nil, err
		}
		row[w.rel.FKField] = fk
	}

	// Phase 3: defaults, constraint checks and the insert itself.
	if err := p.applyDefaults(entity, row); err != nil {
		return nil, err
	}
	if err := p.checkRow(ctx, st, entity, row, nil, nil); err != nil {
		return nil, err
	}
	if err := st.Insert(ctx, entity, row); err != nil {
		return nil, err
	}

	// Phase 4: to-many writes reference the new row.
	stored, err := p.fetch(ctx, st, entity, row[schema.PrimaryKey])
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, queryerr.NotFound(entity.Name, "created row could not be loaded")
	}
	for _, w := range in.toMany {
		if _, ok := w.ops[opDisconnect]; ok {
			return nil, queryerr.Validation(entity.Name, "%s.disconnect is not allowed when creating", w.rel.Name)
		}
		if err := p.writeMany(ctx, st, entity, stored, w); err != nil {
			return nil, err
		}
	}
	if len(in.toMany) == 0 {
		return stored, nil
	}
	return p.fetch(ctx, st, entity, row[schema.PrimaryKey])
}

func (p *Planner) scalarRow(entity *schema.Entity, in *input, parent *parentLink) (value.Row, error) {
	row := value.Row{}
	if parent != nil {
		inverse := p.reg.Inverse(parent.rel)
		if _, set := in.scalars[parent.rel.FKField]; set {
			return nil, queryerr.Validation(entity.Name, "%s is set by the enclosing %s write", parent.rel.FKField, parent.rel.Name)
		}
		for _, w := range in.toOne {
			if w.rel == inverse {
				return nil, queryerr.Validation(entity.Name, "%s is set by the enclosing %s write", w.rel.Name, parent.rel.Name)
			}
		}
		row[parent.rel.FKField] = parent.id
	}
	for name, raw := range in.scalars {
		f, _ := entity.Field(name)
		v, err := coerceField(entity, f, raw)
		if err != nil {
			return nil, err
		}
		row[name] = v
	}
	return row, nil
}

// applyDefaults fills every field the caller left out: generated ids, timestamps, declared
// defaults and null for optional fields.
func (p *Planner) applyDefaults(entity *schema.Entity, row value.Row) error {
	now := p.now().UTC()
	for _, f := range entity.Fields {
		if _, set := row[f.Name]; set {
			continue
		}
		switch f.Default.Kind {
		case schema.DefaultUUID:
			row[f.Name] = p.newID()
		case schema.DefaultNow:
			row[f.Name] = now
		case schema.DefaultValue:
			v, err := f.Coerce(f.Default.Value)
			if err != nil {
				return err
			}
			row[f.Name] = v
		default:
			if !f.Nullable {
				return queryerr.Validation(entity.Name, "missing required field %s", f.Name)
			}
			row[f.Name] = nil
		}
	}
	return nil
}

// resolveOne runs a to-one nested write and returns the foreign key value it produces.
func (p *Planner) resolveOne(ctx context.Context, st store.Store, entity *schema.Entity, w relationWrite) (any, error) {
	if len(w.ops) != 1 {
		return nil, queryerr.Validation(entity.Name, "%s expects exactly one nested write", w.rel.Name)
	}
	target := p.reg.Target(w.rel)
	for op, raw := range w.ops {
		switch op {
		case opConnect:
			row, err := p.connectTarget(ctx, st, target, w.rel, raw)
			if err != nil {
				return nil, err
			}
			return row[schema.PrimaryKey], nil
		case opCreate:
			row, err := p.create(ctx, st, target, raw, nil)
			if err != nil {
				return nil, err
			}
			return row[schema.PrimaryKey], nil
		case opConnectOrCreate:
			row, err := p.connectOrCreate(ctx, st, target, raw, nil)
			if err != nil {
				return nil, err
			}
			return row[schema.PrimaryKey], nil
		case opDisconnect:
			if raw != true {
				return nil, queryerr.Validation(entity.Name, "%s.disconnect expects true", w.rel.Name)
			}
			if !w.rel.Nullable {
				return nil, queryerr.Validation(entity.Name, "%s is required and cannot be disconnected", w.rel.Name)
			}
			return nil, nil
		}
	}
	return nil, nil
}

func (p *Planner) connectTarget(ctx context.Context, st store.Store, target *schema.Entity, rel *schema.Relation, raw any) (value.Row, error) {
	uw, err := p.args.UniqueWhere(target, raw)
	if err != nil {
		return nil, err
	}
	row, err := p.findUnique(ctx, st, target, uw)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, queryerr.NotFound(target.Name, "no record found for nested connect on "+rel.Entity+"."+rel.Name)
	}
	return row, nil
}

// connectOrCreate returns the row {where} resolves to, creating it from {create} otherwise.
func (p *Planner) connectOrCreate(ctx context.Context, st store.Store, target *schema.Entity, raw any, parent *parentLink) (value.Row, error) {
	m, ok := value.AsMap(raw)
	if !ok {
		return nil, queryerr.Validation(target.Name, "connectOrCreate expects {where, create}")
	}
	whereRaw, hasWhere := value.Present(m, "where")
	createRaw, hasCreate := value.Present(m, opCreate)
	if !hasWhere || !hasCreate || len(m) != 2 {
		return nil, queryerr.Validation(target.Name, "connectOrCreate expects {where, create}")
	}
	uw, err := p.args.UniqueWhere(target, whereRaw)
	if err != nil {
		return nil, err
	}
	row, err := p.findUnique(ctx, st, target, uw)
	if err != nil || row != nil {
		return row, err
	}
	return p.create(ctx, st, target, createRaw, parent)
}

// CreateMany inserts rows without nested writes and returns how many were inserted. With
// skipDuplicates, rows that collide with an existing unique key are skipped; otherwise the
// first collision aborts the batch.
func (p *Planner) CreateMany(ctx context.Context, st store.Store, entity *schema.Entity, items []any, skipDuplicates bool) (int, error) {
	return p.createMany(ctx, st, entity, items, skipDuplicates, nil)
}

func (p *Planner) createMany(ctx context.Context, st store.Store, entity *schema.Entity, items []any, skipDuplicates bool, parent *parentLink) (int, error) {
	count := 0
	for _, item := range items {
		in, err := partition(entity, item)
		if err != nil {
			return count, err
		}
		if in.relations > 0 {
			return count, queryerr.Validation(entity.Name, "createMany does not accept relation writes")
		}
		row, err := p.scalarRow(entity, in, parent)
		if err != nil {
			return count, err
		}
		if err := p.applyDefaults(entity, row); err != nil {
			return count, err
		}
		if err := p.checkRow(ctx, st, entity, row, nil, nil); err != nil {
			if skipDuplicates && errors.Is(err, queryerr.ErrUniqueConstraint) {
				continue
			}
			return count, err
		}
		if err := st.Insert(ctx, entity, row); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// writeMany applies the nested writes of a to-many relation for parent.
func (p *Planner) writeMany(ctx context.Context, st store.Store, entity *schema.Entity, parent value.Row, w relationWrite) error {
	target := p.reg.Target(w.rel)
	link := &parentLink{rel: w.rel, id: parent[schema.PrimaryKey]}

	for _, op := range toManyOps {
		raw, ok := value.Present(w.ops, op)
		if !ok {
			continue
		}
		switch op {
		case opCreate:
			items, err := objects(entity, w.rel.Name+".create", raw)
			if err != nil {
				return err
			}
			for _, item := range items {
				if _, err := p.create(ctx, st, target, item, link); err != nil {
					return err
				}
			}
		case opCreateMany:
			m, ok := value.AsMap(raw)
			if !ok {
				return queryerr.Validation(entity.Name, "%s.createMany expects {data, skipDuplicates}", w.rel.Name)
			}
			dataRaw, _ := value.Present(m, ArgData)
			items, ok := value.AsList(dataRaw)
			if !ok {
				return queryerr.Validation(entity.Name, "%s.createMany.data must be a list", w.rel.Name)
			}
			skip, _ := m[ArgSkipDuplicates].(bool)
			if _, err := p.createMany(ctx, st, target, items, skip, link); err != nil {
				return err
			}
		case opConnect:
			items, err := objects(entity, w.rel.Name+".connect", raw)
			if err != nil {
				return err
			}
			for _, item := range items {
				child, err := p.connectTarget(ctx, st, target, w.rel, item)
				if err != nil {
					return err
				}
				if err := p.relink(ctx, st, target, child, w.rel.FKField, link.id); err != nil {
					return err
				}
			}
		case opConnectOrCreate:
			items, err := objects(entity, w.rel.Name+".connectOrCreate", raw)
			if err != nil {
				return err
			}
			for _, item := range items {
				child, err := p.connectOrCreate(ctx, st, target, item, link)
				if err != nil {
					return err
				}
				if !value.Equal(child[w.rel.FKField], link.id) {
					if err := p.relink(ctx, st, target, child, w.rel.FKField, link.id); err != nil {
						return err
					}
				}
			}
		case opDisconnect:
			items, err := objects(entity, w.rel.Name+".disconnect", raw)
			if err != nil {
				return err
			}
			inverse := p.reg.Inverse(w.rel)
			if inverse == nil || !inverse.Nullable {
				return queryerr.Validation(entity.Name, "%s cannot be disconnected because %s.%s is required", w.rel.Name, target.Name, w.rel.FKField)
			}
			for _, item := range items {
				child, err := p.connectTarget(ctx, st, target, w.rel, item)
				if err != nil {
					return err
				}
				if !value.Equal(child[w.rel.FKField], link.id) {
					continue
				}
				if err := p.relink(ctx, st, target, child, w.rel.FKField, nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// relink points child's foreign key at id, checking the same constraints as an update.
func (p *Planner) relink(ctx context.Context, st store.Store, entity *schema.Entity, child value.Row, fkField string, id any) error {
	set := value.Row{fkField: id}
	p.touch(entity, set)
	merged := child.Clone()
	for k, v := range set {
		merged[k] = v
	}
	selfID := child[schema.PrimaryKey]
	if err := p.checkRow(ctx, st, entity, merged, selfID, map[string]bool{fkField: true}); err != nil {
		return err
	}
	ok, err := st.Update(ctx, entity, selfID, set)
	if err != nil {
		return err
	}
	if !ok {
		return queryerr.NotFound(entity.Name, "record to connect disappeared")
	}
	return nil
}
