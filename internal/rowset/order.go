// Package rowset orders, deduplicates and windows row sets: orderBy parsing with a primary
// key tie-break, cursor pagination, skip/take and distinct.
package rowset

import (
	"sort"

	"pmquery/internal/filter"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Nulls is an explicit null placement.
type Nulls string

const (
	NullsDefault Nulls = ""
	NullsFirst   Nulls = "first"
	NullsLast    Nulls = "last"
)

// OrderTerm is one ordering key. Relation is set when ordering through a to-one relation
// (by Field on the related row) or by the number of related rows of a to-many relation
// (Count).
type OrderTerm struct {
	Relation  *schema.Relation
	Field     string
	Count     bool
	Direction Direction
	Nulls     Nulls
}

// Scalar reports whether the term orders by a column of the entity itself.
func (t OrderTerm) Scalar() bool { return t.Relation == nil }

// NullsFirst reports the effective null placement. By default nulls sort as the smallest
// value: first ascending, last descending.
func (t OrderTerm) NullsFirst() bool {
	switch t.Nulls {
	case NullsFirst:
		return true
	case NullsLast:
		return false
	default:
		return t.Direction == Asc
	}
}

// ParseDirection accepts asc, desc or {sort, nulls}.
func ParseDirection(entity, field string, raw any) (Direction, Nulls, error) {
	switch v := raw.(type) {
	case string:
		switch Direction(v) {
		case Asc, Desc:
			return Direction(v), NullsDefault, nil
		}
	default:
		m, ok := value.AsMap(raw)
		if !ok {
			break
		}
		sortRaw, _ := value.Present(m, "sort")
		s, _ := sortRaw.(string)
		dir := Direction(s)
		if dir != Asc && dir != Desc {
			return "", "", queryerr.Validation(entity, "orderBy %s: sort must be asc or desc", field)
		}
		nulls := NullsDefault
		if n, ok := value.Present(m, "nulls"); ok {
			ns, _ := n.(string)
			switch Nulls(ns) {
			case NullsFirst, NullsLast:
				nulls = Nulls(ns)
			default:
				return "", "", queryerr.Validation(entity, "orderBy %s: nulls must be first or last", field)
			}
		}
		for key := range m {
			if key != "sort" && key != "nulls" {
				return "", "", queryerr.Validation(entity, "orderBy %s: unknown key %q", field, key)
			}
		}
		return dir, nulls, nil
	}
	return "", "", queryerr.Validation(entity, "orderBy %s: expected asc, desc or {sort, nulls}", field)
}

// ParseOrderBy parses an orderBy object or list of objects. The result does not yet include
// the primary key tie-break; see WithTieBreak.
func ParseOrderBy(reg *schema.Registry, entity *schema.Entity, raw any) ([]OrderTerm, error) {
	if raw == nil || value.IsUndefined(raw) {
		return nil, nil
	}
	var items []any
	if m, ok := value.AsMap(raw); ok {
		items = []any{m}
	} else if list, ok := value.AsList(raw); ok {
		items = list
	} else {
		return nil, queryerr.Validation(entity.Name, "orderBy must be an object or a list of objects")
	}

	var terms []OrderTerm
	for _, item := range items {
		m, ok := value.AsMap(item)
		if !ok {
			return nil, queryerr.Validation(entity.Name, "orderBy entries must be objects, got %T", item)
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
			parsed, err := parseTerm(reg, entity, key, v)
			if err != nil {
				return nil, err
			}
			terms = append(terms, parsed...)
		}
	}
	return terms, nil
}

func parseTerm(reg *schema.Registry, entity *schema.Entity, key string, raw any) ([]OrderTerm, error) {
	if f, ok := entity.Field(key); ok {
		if f.Kind == value.KindJSON {
			return nil, queryerr.Validation(entity.Name, "cannot order by Json field %s", key)
		}
		dir, nulls, err := ParseDirection(entity.Name, key, raw)
		if err != nil {
			return nil, err
		}
		return []OrderTerm{{Field: key, Direction: dir, Nulls: nulls}}, nil
	}
	rel, ok := entity.Relation(key)
	if !ok {
		return nil, queryerr.UnknownField(entity.Name, key)
	}
	m, ok := value.AsMap(raw)
	if !ok {
		return nil, queryerr.Validation(entity.Name, "orderBy relation %s expects an object", key)
	}
	if rel.Cardinality == schema.Many {
		if len(m) != 1 {
			return nil, queryerr.Validation(entity.Name, "orderBy to-many relation %s only supports _count", key)
		}
		countRaw, ok := value.Present(m, "_count")
		if !ok {
			return nil, queryerr.Validation(entity.Name, "orderBy to-many relation %s only supports _count", key)
		}
		dir, _, err := ParseDirection(entity.Name, key+"._count", countRaw)
		if err != nil {
			return nil, err
		}
		return []OrderTerm{{Relation: rel, Count: true, Direction: dir}}, nil
	}

	target := reg.Target(rel)
	nested, err := ParseOrderBy(reg, target, m)
	if err != nil {
		return nil, err
	}
	out := make([]OrderTerm, 0, len(nested))
	for _, n := range nested {
		if !n.Scalar() {
			return nil, queryerr.Validation(entity.Name, "orderBy through %s supports one relation hop", key)
		}
		n.Relation = rel
		out = append(out, n)
	}
	return out, nil
}

// WithTieBreak appends the primary key ascending unless it already orders the set, making
// the ordering total.
func WithTieBreak(terms []OrderTerm) []OrderTerm {
	for _, t := range terms {
		if t.Scalar() && t.Field == schema.PrimaryKey {
			return terms
		}
	}
	out := make([]OrderTerm, len(terms), len(terms)+1)
	copy(out, terms)
	return append(out, OrderTerm{Field: schema.PrimaryKey, Direction: Asc})
}

// AllScalar reports whether every term orders by a column of the entity itself.
func AllScalar(terms []OrderTerm) bool {
	for _, t := range terms {
		if !t.Scalar() {
			return false
		}
	}
	return true
}

func termValue(t OrderTerm, row value.Row, src filter.Source) any {
	if t.Relation == nil {
		return row[t.Field]
	}
	var related []value.Row
	if src != nil {
		related = src.Related(t.Relation, row)
	}
	if t.Count {
		return int64(len(related))
	}
	if len(related) == 0 {
		return nil
	}
	return related[0][t.Field]
}

// Comparator returns a comparison function for terms. src resolves relation terms.
func Comparator(terms []OrderTerm, src filter.Source) func(a, b value.Row) int {
	return func(a, b value.Row) int {
		for _, t := range terms {
			va, vb := termValue(t, a, src), termValue(t, b, src)
			if c := compareTerm(t, va, vb); c != 0 {
				return c
			}
		}
		return 0
	}
}

func compareTerm(t OrderTerm, a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if t.NullsFirst() {
			return -1
		}
		return 1
	case b == nil:
		if t.NullsFirst() {
			return 1
		}
		return -1
	}
	c := value.Compare(a, b)
	if t.Direction == Desc {
		return -c
	}
	return c
}

// Sort orders rows in place, stably.
func Sort(rows []value.Row, terms []OrderTerm, src filter.Source) {
	if len(terms) == 0 {
		return
	}
	cmp := Comparator(terms, src)
	sort.SliceStable(rows, func(i, j int) bool {
		return cmp(rows[i], rows[j]) < 0
	})
}
