package query

import (
	"reflect"
	"sort"

	"pmquery/internal/filter"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Selection is the projection tree for one level of a result.
//
// With Explicit set only Scalars and Relations are returned; otherwise every scalar except
// those in Omit is returned together with the included Relations.
type Selection struct {
	Explicit  bool
	Scalars   map[string]bool
	Omit      map[string]bool
	Relations []*RelationSelection
	Count     []CountRelation
	HasCount  bool
}

// RelationSelection loads one relation. Find is set for to-many relations only.
type RelationSelection struct {
	Relation  *schema.Relation
	Find      *FindArgs
	Selection *Selection
}

// CountRelation requests the number of related rows matching Where.
type CountRelation struct {
	Relation *schema.Relation
	Where    filter.Expr
}

// Default is the projection used when no select/include/omit is given.
func Default() *Selection {
	return &Selection{}
}

var manyRelationKeys = []string{ArgWhere, ArgOrderBy, ArgCursor, ArgTake, ArgSkip, ArgDistinct, ArgIncludeCursor, ArgSelect, ArgInclude, ArgOmit}

type selectionState struct {
	depth     int
	selfDepth int
	visiting  map[uintptr]bool
}

func (s selectionState) enter() selectionState {
	return selectionState{depth: s.depth + 1, selfDepth: s.selfDepth, visiting: s.visiting}
}

// Selection parses select/include/omit from args.
func (p *Parser) Selection(entity *schema.Entity, args map[string]any) (*Selection, error) {
	return p.selection(entity, args, selectionState{visiting: map[uintptr]bool{}})
}

func mapID(m map[string]any) uintptr {
	return reflect.ValueOf(m).Pointer()
}

func (p *Parser) guard(entity *schema.Entity, m map[string]any, st selectionState) (func(), error) {
	id := mapID(m)
	if st.visiting[id] {
		return nil, queryerr.Validation(entity.Name, "selection contains itself")
	}
	st.visiting[id] = true
	return func() { delete(st.visiting, id) }, nil
}

func (p *Parser) selection(entity *schema.Entity, args map[string]any, st selectionState) (*Selection, error) {
	selectRaw, hasSelect := value.Present(args, ArgSelect)
	includeRaw, hasInclude := value.Present(args, ArgInclude)
	omitRaw, hasOmit := value.Present(args, ArgOmit)

	if hasSelect && hasInclude {
		return nil, queryerr.Validation(entity.Name, "select and include cannot be used on the same level")
	}
	if hasSelect && hasOmit {
		return nil, queryerr.Validation(entity.Name, "select and omit cannot be used on the same level")
	}

	sel := &Selection{}
	if hasSelect {
		m, ok := value.AsMap(selectRaw)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "select must be an object")
		}
		release, err := p.guard(entity, m, st)
		if err != nil {
			return nil, err
		}
		defer release()
		sel.Explicit = true
		sel.Scalars = map[string]bool{}
		for _, key := range sortedKeys(m) {
			v := m[key]
			if v == false || v == nil || value.IsUndefined(v) {
				continue
			}
			if key == "_count" {
				if err := p.count(entity, sel, v); err != nil {
					return nil, err
				}
				continue
			}
			if _, ok := entity.Field(key); ok {
				if v != true {
					return nil, queryerr.Validation(entity.Name, "select.%s expects true or false", key)
				}
				sel.Scalars[key] = true
				continue
			}
			rel, ok := entity.Relation(key)
			if !ok {
				return nil, queryerr.UnknownField(entity.Name, key)
			}
			rs, err := p.relation(entity, rel, v, st)
			if err != nil {
				return nil, err
			}
			sel.Relations = append(sel.Relations, rs)
		}
	}

	if hasInclude {
		m, ok := value.AsMap(includeRaw)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "include must be an object")
		}
		release, err := p.guard(entity, m, st)
		if err != nil {
			return nil, err
		}
		defer release()
		for _, key := range sortedKeys(m) {
			v := m[key]
			if v == false || v == nil || value.IsUndefined(v) {
				continue
			}
			if key == "_count" {
				if err := p.count(entity, sel, v); err != nil {
					return nil, err
				}
				continue
			}
			rel, ok := entity.Relation(key)
			if !ok {
				if _, isField := entity.Field(key); isField {
					return nil, queryerr.Validation(entity.Name, "include only accepts relations, %s is a scalar field", key)
				}
				return nil, queryerr.UnknownField(entity.Name, key)
			}
			rs, err := p.relation(entity, rel, v, st)
			if err != nil {
				return nil, err
			}
			sel.Relations = append(sel.Relations, rs)
		}
	}

	if hasOmit {
		m, ok := value.AsMap(omitRaw)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "omit must be an object")
		}
		sel.Omit = map[string]bool{}
		for key, v := range m {
			if _, ok := entity.Field(key); !ok {
				if _, isRel := entity.Relation(key); isRel {
					return nil, queryerr.Validation(entity.Name, "omit only accepts scalar fields, %s is a relation", key)
				}
				return nil, queryerr.UnknownField(entity.Name, key)
			}
			if v == true {
				sel.Omit[key] = true
			}
		}
	}
	return sel, nil
}

func (p *Parser) relation(entity *schema.Entity, rel *schema.Relation, raw any, st selectionState) (*RelationSelection, error) {
	var args map[string]any
	switch v := raw.(type) {
	case bool:
		args = map[string]any{}
	default:
		m, ok := value.AsMap(v)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "%s expects true or an object", rel.Name)
		}
		args = m
	}

	next := st.enter()
	if next.depth > p.limits.MaxDepth {
		return nil, queryerr.Validation(entity.Name, "relation nesting exceeds %d levels at %s", p.limits.MaxDepth, rel.Name)
	}
	if rel.IsSelf() {
		next.selfDepth++
		if next.selfDepth > p.limits.MaxSelfDepth {
			return nil, queryerr.Validation(entity.Name, "self relation %s nested deeper than %d", rel.Name, p.limits.MaxSelfDepth)
		}
	}

	target := p.reg.Target(rel)
	out := &RelationSelection{Relation: rel}
	if len(args) > 0 {
		release, err := p.guard(entity, args, st)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	if rel.Cardinality == schema.Many {
		if err := CheckKeys(target.Name, args, manyRelationKeys...); err != nil {
			return nil, err
		}
		find, err := p.Find(target, args)
		if err != nil {
			return nil, err
		}
		out.Find = find
	} else if err := CheckKeys(target.Name, args, ProjectionKeys...); err != nil {
		return nil, err
	}

	sub, err := p.selection(target, args, next)
	if err != nil {
		return nil, err
	}
	out.Selection = sub
	return out, nil
}

func (p *Parser) count(entity *schema.Entity, sel *Selection, raw any) error {
	sel.HasCount = true
	if raw == true {
		for _, rel := range entity.ManyRelations() {
			sel.Count = append(sel.Count, CountRelation{Relation: rel})
		}
		return nil
	}
	m, ok := value.AsMap(raw)
	if !ok {
		return queryerr.Validation(entity.Name, "_count expects true or {select: {...}}")
	}
	if err := CheckKeys(entity.Name, m, ArgSelect); err != nil {
		return err
	}
	selectRaw, ok := value.Present(m, ArgSelect)
	if !ok {
		return queryerr.Validation(entity.Name, "_count expects a select object")
	}
	relations, ok := value.AsMap(selectRaw)
	if !ok {
		return queryerr.Validation(entity.Name, "_count.select must be an object")
	}
	for _, key := range sortedKeys(relations) {
		v := relations[key]
		if v == false || v == nil || value.IsUndefined(v) {
			continue
		}
		rel, ok := entity.Relation(key)
		if !ok {
			return queryerr.UnknownField(entity.Name, key)
		}
		if rel.Cardinality != schema.Many {
			return queryerr.Validation(entity.Name, "_count only applies to to-many relations, not %s", key)
		}
		cr := CountRelation{Relation: rel}
		if v != true {
			opts, ok := value.AsMap(v)
			if !ok {
				return queryerr.Validation(entity.Name, "_count.select.%s expects true or {where}", key)
			}
			if err := CheckKeys(entity.Name, opts, ArgWhere); err != nil {
				return err
			}
			if whereRaw, ok := value.Present(opts, ArgWhere); ok {
				where, err := p.filters.Parse(p.reg.Target(rel), whereRaw)
				if err != nil {
					return err
				}
				cr.Where = where
			}
		}
		sel.Count = append(sel.Count, cr)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
