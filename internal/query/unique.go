package query

import (
	"pmquery/internal/filter"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// UniqueWhere is a where input that identifies at most one row through a unique key, possibly
// narrowed further by ordinary filters.
type UniqueWhere struct {
	Constraint schema.UniqueConstraint
	Values     map[string]any
	Expr       filter.Expr
}

// UniqueWhere parses a WhereUniqueInput. Compound keys use their constraint name, for
// example {"workspaceId_userId": {"workspaceId": w, "userId": u}}.
func (p *Parser) UniqueWhere(entity *schema.Entity, raw any) (*UniqueWhere, error) {
	m, ok := value.AsMap(raw)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "unique where must be an object, got %T", raw)
	}

	rest := make(map[string]any, len(m))
	compound := map[string]map[string]any{}
	for k, v := range m {
		if value.IsUndefined(v) {
			continue
		}
		if u, ok := entity.UniqueByName(k); ok && len(u.Fields) > 1 {
			fields, ok := value.AsMap(v)
			if !ok {
				return nil, queryerr.Validation(entity.Name, "%s expects an object with %v", k, u.Fields)
			}
			compound[k] = fields
			continue
		}
		rest[k] = v
	}

	out := &UniqueWhere{}
	var parts []filter.Expr
	for _, u := range entity.Uniques {
		if len(u.Fields) < 2 {
			continue
		}
		fields, ok := compound[u.Name]
		if !ok {
			continue
		}
		values := make(map[string]any, len(u.Fields))
		for _, name := range u.Fields {
			raw, ok := value.Present(fields, name)
			if !ok || raw == nil {
				return nil, queryerr.Validation(entity.Name, "%s requires a non-null %s", u.Name, name)
			}
			f, _ := entity.Field(name)
			v, err := f.Coerce(raw)
			if err != nil {
				return nil, queryerr.TypeMismatch(entity.Name, name, err)
			}
			values[name] = v
			parts = append(parts, filter.Eq(name, v))
		}
		for name := range fields {
			if _, ok := values[name]; !ok {
				return nil, queryerr.Validation(entity.Name, "%s has no field %q", u.Name, name)
			}
		}
		if out.Values == nil {
			out.Constraint, out.Values = u, values
		}
	}

	if out.Values == nil {
		for _, u := range entity.Uniques {
			if len(u.Fields) != 1 {
				continue
			}
			raw, ok := value.Present(rest, u.Fields[0])
			if !ok || raw == nil {
				continue
			}
			if _, isOp := value.AsMap(raw); isOp {
				continue
			}
			f, _ := entity.Field(u.Fields[0])
			v, err := f.Coerce(raw)
			if err != nil {
				return nil, queryerr.TypeMismatch(entity.Name, u.Fields[0], err)
			}
			out.Constraint, out.Values = u, map[string]any{u.Fields[0]: v}
			break
		}
	}
	if out.Values == nil {
		return nil, queryerr.Validation(entity.Name, "unique where must specify a unique key (%s)", uniqueNames(entity))
	}

	extra, err := p.filters.Parse(entity, rest)
	if err != nil {
		return nil, err
	}
	parts = append(parts, extra)
	out.Expr = filter.AndOf(parts...)
	return out, nil
}

func uniqueNames(entity *schema.Entity) string {
	names := ""
	for i, u := range entity.Uniques {
		if i > 0 {
			names += ", "
		}
		names += u.Name
	}
	return names
}
