package mutation

import (
	"errors"
	"sort"

	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// input is mutation data split into scalar values and nested relation writes.
type input struct {
	scalars   map[string]any
	toOne     []relationWrite
	toMany    []relationWrite
	relations int
}

type relationWrite struct {
	rel *schema.Relation
	ops map[string]any
}

var (
	toOneOps  = []string{opCreate, opConnect, opConnectOrCreate, opDisconnect}
	toManyOps = []string{opCreate, opCreateMany, opConnect, opConnectOrCreate, opDisconnect}
)

// partition splits data by key kind. Keys are visited in sorted order so nested writes run
// deterministically.
func partition(entity *schema.Entity, data any) (*input, error) {
	m, ok := value.AsMap(data)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "data must be an object")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	in := &input{scalars: map[string]any{}}
	for _, key := range keys {
		raw := m[key]
		if value.IsUndefined(raw) {
			continue
		}
		if _, ok := entity.Field(key); ok {
			in.scalars[key] = raw
			continue
		}
		rel, ok := entity.Relation(key)
		if !ok {
			return nil, queryerr.UnknownField(entity.Name, key)
		}
		ops, ok := value.AsMap(raw)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "%s expects an object of nested writes", key)
		}
		allowed := toOneOps
		if rel.Cardinality == schema.Many {
			allowed = toManyOps
		}
		if err := query.CheckKeys(entity.Name, ops, allowed...); err != nil {
			return nil, err
		}
		w := relationWrite{rel: rel, ops: ops}
		if rel.Cardinality == schema.One {
			if _, both := value.Present(m, rel.FKField); both {
				return nil, queryerr.Validation(entity.Name, "set either %s or %s, not both", rel.FKField, rel.Name)
			}
			in.toOne = append(in.toOne, w)
		} else {
			in.toMany = append(in.toMany, w)
		}
		in.relations++
	}
	return in, nil
}

// coerceField validates a literal for a write. Enum values outside the variant set are
// validation errors here, unlike in filters where they are type mismatches.
func coerceField(entity *schema.Entity, f *schema.Field, raw any) (any, error) {
	if raw == nil {
		if !f.Nullable {
			return nil, queryerr.Validation(entity.Name, "%s cannot be null", f.Name)
		}
		return nil, nil
	}
	v, err := f.Coerce(raw)
	if err != nil {
		if errors.Is(err, value.ErrEnumValue) {
			return nil, &queryerr.Error{Kind: queryerr.KindValidation, Entity: entity.Name, Field: f.Name, Message: err.Error()}
		}
		return nil, queryerr.TypeMismatch(entity.Name, f.Name, err)
	}
	return v, nil
}

// objects normalizes an operand that may be one object or a list of objects.
func objects(entity *schema.Entity, op string, raw any) ([]any, error) {
	if m, ok := value.AsMap(raw); ok {
		return []any{m}, nil
	}
	if list, ok := value.AsList(raw); ok {
		return list, nil
	}
	return nil, queryerr.Validation(entity.Name, "%s expects an object or a list of objects", op)
}
