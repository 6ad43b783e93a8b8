package mutation

import (
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// The Validate methods check the shape of mutation data without a store: unknown keys,
// nested write operators, literal coercion, enum variants and required fields, recursively
// through nested creates. Callers run them before opening a transaction so malformed
// requests never reach storage. Constraint checks that need stored rows stay in the write
// path.

// ValidateCreate checks data for a create.
func (p *Planner) ValidateCreate(entity *schema.Entity, data any) error {
	return p.validateCreate(entity, data, nil)
}

// ValidateCreateMany checks every item of a createMany.
func (p *Planner) ValidateCreateMany(entity *schema.Entity, items []any) error {
	for _, item := range items {
		if err := p.validateFlatCreate(entity, item, nil); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUpdate checks data for an update or the update branch of an upsert.
func (p *Planner) ValidateUpdate(entity *schema.Entity, data any) error {
	return p.validateUpdate(entity, data, true)
}

// ValidateUpdateMany checks data for an updateMany, which takes scalar fields only.
func (p *Planner) ValidateUpdateMany(entity *schema.Entity, data any) error {
	return p.validateUpdate(entity, data, false)
}

func (p *Planner) validateCreate(entity *schema.Entity, data any, parent *schema.Relation) error {
	in, err := partition(entity, data)
	if err != nil {
		return err
	}
	row, err := p.scalarRow(entity, in, linkFor(parent))
	if err != nil {
		return err
	}
	for _, w := range in.toOne {
		if _, ok := w.ops[opDisconnect]; ok {
			return queryerr.Validation(entity.Name, "%s.disconnect is not allowed when creating", w.rel.Name)
		}
		if err := p.validateToOne(entity, w); err != nil {
			return err
		}
		row[w.rel.FKField] = nil
	}
	if err := missingRequired(entity, row); err != nil {
		return err
	}
	for _, w := range in.toMany {
		if _, ok := w.ops[opDisconnect]; ok {
			return queryerr.Validation(entity.Name, "%s.disconnect is not allowed when creating", w.rel.Name)
		}
		if err := p.validateToMany(entity, w); err != nil {
			return err
		}
	}
	return nil
}

// validateFlatCreate checks one createMany item, which carries scalar fields only.
func (p *Planner) validateFlatCreate(entity *schema.Entity, data any, parent *schema.Relation) error {
	in, err := partition(entity, data)
	if err != nil {
		return err
	}
	if in.relations > 0 {
		return queryerr.Validation(entity.Name, "createMany does not accept relation writes")
	}
	row, err := p.scalarRow(entity, in, linkFor(parent))
	if err != nil {
		return err
	}
	return missingRequired(entity, row)
}

func (p *Planner) validateUpdate(entity *schema.Entity, data any, nested bool) error {
	in, err := partition(entity, data)
	if err != nil {
		return err
	}
	if !nested && in.relations > 0 {
		return queryerr.Validation(entity.Name, "updateMany accepts scalar fields only")
	}
	for name, raw := range in.scalars {
		f, _ := entity.Field(name)
		// Without a current value arithmetic only checks its operator and operand.
		if _, err := p.scalarUpdate(entity, f, nil, raw); err != nil {
			return err
		}
	}
	for _, w := range in.toOne {
		if err := p.validateToOne(entity, w); err != nil {
			return err
		}
	}
	for _, w := range in.toMany {
		if err := p.validateToMany(entity, w); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) validateToOne(entity *schema.Entity, w relationWrite) error {
	if len(w.ops) != 1 {
		return queryerr.Validation(entity.Name, "%s expects exactly one nested write", w.rel.Name)
	}
	target := p.reg.Target(w.rel)
	for op, raw := range w.ops {
		switch op {
		case opConnect:
			_, err := p.args.UniqueWhere(target, raw)
			return err
		case opCreate:
			return p.validateCreate(target, raw, nil)
		case opConnectOrCreate:
			return p.validateConnectOrCreate(target, raw, nil)
		case opDisconnect:
			if raw != true {
				return queryerr.Validation(entity.Name, "%s.disconnect expects true", w.rel.Name)
			}
			if !w.rel.Nullable {
				return queryerr.Validation(entity.Name, "%s is required and cannot be disconnected", w.rel.Name)
			}
		}
	}
	return nil
}

func (p *Planner) validateToMany(entity *schema.Entity, w relationWrite) error {
	target := p.reg.Target(w.rel)
	for _, op := range toManyOps {
		raw, ok := value.Present(w.ops, op)
		if !ok {
			continue
		}
		if op == opCreateMany {
			m, ok := value.AsMap(raw)
			if !ok {
				return queryerr.Validation(entity.Name, "%s.createMany expects {data, skipDuplicates}", w.rel.Name)
			}
			dataRaw, _ := value.Present(m, ArgData)
			items, ok := value.AsList(dataRaw)
			if !ok {
				return queryerr.Validation(entity.Name, "%s.createMany.data must be a list", w.rel.Name)
			}
			for _, item := range items {
				if err := p.validateFlatCreate(target, item, w.rel); err != nil {
					return err
				}
			}
			continue
		}

		items, err := objects(entity, w.rel.Name+"."+op, raw)
		if err != nil {
			return err
		}
		if op == opDisconnect {
			if inverse := p.reg.Inverse(w.rel); inverse == nil || !inverse.Nullable {
				return queryerr.Validation(entity.Name, "%s cannot be disconnected because %s.%s is required", w.rel.Name, target.Name, w.rel.FKField)
			}
		}
		for _, item := range items {
			switch op {
			case opCreate:
				err = p.validateCreate(target, item, w.rel)
			case opConnectOrCreate:
				err = p.validateConnectOrCreate(target, item, w.rel)
			default:
				_, err = p.args.UniqueWhere(target, item)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Planner) validateConnectOrCreate(target *schema.Entity, raw any, parent *schema.Relation) error {
	m, ok := value.AsMap(raw)
	if !ok {
		return queryerr.Validation(target.Name, "connectOrCreate expects {where, create}")
	}
	whereRaw, hasWhere := value.Present(m, "where")
	createRaw, hasCreate := value.Present(m, opCreate)
	if !hasWhere || !hasCreate || len(m) != 2 {
		return queryerr.Validation(target.Name, "connectOrCreate expects {where, create}")
	}
	if _, err := p.args.UniqueWhere(target, whereRaw); err != nil {
		return err
	}
	return p.validateCreate(target, createRaw, parent)
}

// linkFor stands in for the enclosing row of a nested create whose key is not known yet.
func linkFor(parent *schema.Relation) *parentLink {
	if parent == nil {
		return nil
	}
	return &parentLink{rel: parent}
}

// missingRequired reports the first required field that neither row nor a default supplies.
func missingRequired(entity *schema.Entity, row value.Row) error {
	for _, f := range entity.Fields {
		if _, set := row[f.Name]; set {
			continue
		}
		if f.Default.Kind == schema.NoDefault && !f.Nullable {
			return queryerr.Validation(entity.Name, "missing required field %s", f.Name)
		}
	}
	return nil
}
