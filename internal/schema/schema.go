// Package schema holds the static entity registry: fields, enums, relations, unique constraints
// and delete policies for the project-management model.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"pmquery/internal/queryerr"
	"pmquery/internal/value"
)

// DefaultKind describes how a field is populated when a create omits it.
type DefaultKind int

const (
	NoDefault DefaultKind = iota
	DefaultUUID
	DefaultNow
	DefaultValue
)

// FieldDefault is a field default.
type FieldDefault struct {
	Kind  DefaultKind
	Value any
}

// Enum is a closed set of string variants.
type Enum struct {
	Name   string
	Values []string
}

// Contains reports whether v is a declared variant.
func (e *Enum) Contains(v string) bool {
	for _, candidate := range e.Values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Field is a scalar column of an entity.
type Field struct {
	Name      string
	Kind      value.Kind
	Enum      *Enum
	Nullable  bool
	Default   FieldDefault
	UpdatedAt bool
	ID        bool
}

// EnumValues returns the legal variants for enum fields and nil otherwise.
func (f *Field) EnumValues() []string {
	if f.Enum == nil {
		return nil
	}
	return f.Enum.Values
}

// Coerce normalizes a literal for this field.
func (f *Field) Coerce(v any) (any, error) {
	return value.Coerce(f.Kind, f.EnumValues(), v)
}

// Cardinality of a relation from the declaring entity's point of view.
type Cardinality int

const (
	One Cardinality = iota
	Many
)

// DeletePolicy decides what happens to dependents when a referenced row is deleted.
type DeletePolicy string

const (
	Restrict DeletePolicy = "restrict"
	SetNull  DeletePolicy = "setnull"
	Cascade  DeletePolicy = "cascade"
)

// ParseDeletePolicy accepts restrict, setnull/set_null and cascade, case-insensitively.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "restrict":
		return Restrict, nil
	case "setnull":
		return SetNull, nil
	case "cascade":
		return Cascade, nil
	default:
		return "", fmt.Errorf("unknown delete policy %q", s)
	}
}

// Relation is a navigable edge between two entities.
//
// For an owning relation (cardinality One) the foreign key field lives on Entity. For the
// inverse side (cardinality Many) FKField names the column on Target that points back.
type Relation struct {
	Name        string
	Entity      string
	Target      string
	Cardinality Cardinality
	Nullable    bool
	Owning      bool
	FKField     string
	Inverse     string
	OnDelete    DeletePolicy
	// Scope names a field the related row must share with the owning row. Empty means
	// unconstrained.
	Scope       string
}

// IsSelf reports whether the relation points back at its own entity.
func (r *Relation) IsSelf() bool { return r.Entity == r.Target }

// UniqueConstraint is a single or compound unique key. Compound keys are named
// field1_field2.
type UniqueConstraint struct {
	Name   string
	Fields []string
}

// Entity is one record type.
type Entity struct {
	Name      string
	Fields    []*Field
	Relations []*Relation
	Uniques   []UniqueConstraint

	fields    map[string]*Field
	relations map[string]*Relation
}

// PrimaryKey is the identifier field name shared by every entity.
const PrimaryKey = "id"

func (e *Entity) index() {
	e.fields = make(map[string]*Field, len(e.Fields))
	for _, f := range e.Fields {
		e.fields[f.Name] = f
	}
	e.relations = make(map[string]*Relation, len(e.Relations))
	for _, r := range e.Relations {
		e.relations[r.Name] = r
	}
}

// Field looks up a scalar field.
func (e *Entity) Field(name string) (*Field, bool) {
	f, ok := e.fields[name]
	return f, ok
}

// Relation looks up a relation field.
func (e *Entity) Relation(name string) (*Relation, bool) {
	r, ok := e.relations[name]
	return r, ok
}

// MustField returns the field or an UnknownField error.
func (e *Entity) MustField(name string) (*Field, error) {
	if f, ok := e.fields[name]; ok {
		return f, nil
	}
	return nil, queryerr.UnknownField(e.Name, name)
}

// ScalarNames returns field names in declaration order.
func (e *Entity) ScalarNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// ManyRelations returns the to-many relations in declaration order.
func (e *Entity) ManyRelations() []*Relation {
	var out []*Relation
	for _, r := range e.Relations {
		if r.Cardinality == Many {
			out = append(out, r)
		}
	}
	return out
}

// UniqueByName returns the unique constraint with the given name. Single-field keys are named
// after their field.
func (e *Entity) UniqueByName(name string) (UniqueConstraint, bool) {
	for _, u := range e.Uniques {
		if u.Name == name {
			return u, true
		}
	}
	return UniqueConstraint{}, false
}

// Registry is the immutable set of entities and enums.
type Registry struct {
	entities []*Entity
	byName   map[string]*Entity
	enums    map[string]*Enum
}

// Entity looks up an entity by name.
func (r *Registry) Entity(name string) (*Entity, error) {
	if e, ok := r.byName[name]; ok {
		return e, nil
	}
	return nil, queryerr.UnknownEntity(name)
}

// MustEntity panics on unknown names; for use with compile-time constant names.
func (r *Registry) MustEntity(name string) *Entity {
	e, err := r.Entity(name)
	if err != nil {
		panic(err)
	}
	return e
}

// Entities returns entities in an order where every FK target precedes its dependents.
func (r *Registry) Entities() []*Entity {
	return append([]*Entity(nil), r.entities...)
}

// Enum looks up an enum by name.
func (r *Registry) Enum(name string) (*Enum, bool) {
	e, ok := r.enums[name]
	return e, ok
}

// Target resolves the entity a relation points at.
func (r *Registry) Target(rel *Relation) *Entity {
	return r.byName[rel.Target]
}

// Inverse resolves the relation on the other side of rel.
func (r *Registry) Inverse(rel *Relation) *Relation {
	target := r.byName[rel.Target]
	if target == nil {
		return nil
	}
	inv, _ := target.Relation(rel.Inverse)
	return inv
}

// Dependent is an owning relation on another entity that references the given entity.
type Dependent struct {
	Entity   *Entity
	Relation *Relation
}

// Dependents lists owning relations pointing at entity, sorted by entity then relation name.
func (r *Registry) Dependents(entity string) []Dependent {
	var out []Dependent
	for _, e := range r.entities {
		for _, rel := range e.Relations {
			if rel.Owning && rel.Target == entity {
				out = append(out, Dependent{Entity: e, Relation: rel})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Entity.Name != out[j].Entity.Name {
			return out[i].Entity.Name < out[j].Entity.Name
		}
		return out[i].Relation.Name < out[j].Relation.Name
	})
	return out
}

// WithDeletePolicies returns a copy of the registry with the given policies applied. Keys have
// the form "Entity.relation" and must name owning relations; SetNull requires a nullable FK.
func (r *Registry) WithDeletePolicies(policies map[string]string) (*Registry, error) {
	out := r.clone()
	keys := make([]string, 0, len(policies))
	for k := range policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		entityName, relName, ok := strings.Cut(key, ".")
		if !ok {
			return nil, fmt.Errorf("delete policy key %q must be Entity.relation", key)
		}
		entity, err := out.Entity(entityName)
		if err != nil {
			return nil, fmt.Errorf("delete policy %q: %w", key, err)
		}
		rel, found := entity.Relation(relName)
		if !found || !rel.Owning {
			return nil, fmt.Errorf("delete policy %q: %s has no owning relation %q", key, entityName, relName)
		}
		policy, err := ParseDeletePolicy(policies[key])
		if err != nil {
			return nil, fmt.Errorf("delete policy %q: %w", key, err)
		}
		if policy == SetNull && !rel.Nullable {
			return nil, fmt.Errorf("delete policy %q: setnull requires a nullable foreign key", key)
		}
		rel.OnDelete = policy
	}
	return out, nil
}

func (r *Registry) clone() *Registry {
	out := &Registry{
		byName: make(map[string]*Entity, len(r.entities)),
		enums:  r.enums,
	}
	for _, e := range r.entities {
		copied := &Entity{
			Name:    e.Name,
			Fields:  e.Fields,
			Uniques: e.Uniques,
		}
		for _, rel := range e.Relations {
			relCopy := *rel
			copied.Relations = append(copied.Relations, &relCopy)
		}
		copied.index()
		out.entities = append(out.entities, copied)
		out.byName[copied.Name] = copied
	}
	return out
}
