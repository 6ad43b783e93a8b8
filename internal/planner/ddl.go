package planner

import (
	"fmt"
	"strings"

	"pmquery/internal/schema"
)

// Constraint identifies the schema object behind a named database constraint.
type Constraint struct {
	Name   string
	Entity *schema.Entity
	// Fields is set for primary key and unique constraints.
	Fields []string
	// Relation is set for foreign key constraints.
	Relation *schema.Relation
}

func (p *Planner) primaryKeyName(entity *schema.Entity) string {
	return "pk_" + p.names.Table(entity.Name)
}

func (p *Planner) uniqueName(entity *schema.Entity, u schema.UniqueConstraint) string {
	cols := make([]string, len(u.Fields))
	for i, f := range u.Fields {
		cols[i] = p.names.Column(entity.Name, f)
	}
	return fmt.Sprintf("uq_%s_%s", p.names.Table(entity.Name), strings.Join(cols, "_"))
}

func (p *Planner) foreignKeyName(entity *schema.Entity, rel *schema.Relation) string {
	return fmt.Sprintf("fk_%s_%s", p.names.Table(entity.Name), p.names.Column(entity.Name, rel.FKField))
}

func (p *Planner) indexName(entity *schema.Entity, field string) string {
	return fmt.Sprintf("ix_%s_%s", p.names.Table(entity.Name), p.names.Column(entity.Name, field))
}

// Constraints lists every named constraint the generated DDL declares.
func (p *Planner) Constraints() []Constraint {
	var out []Constraint
	for _, entity := range p.reg.Entities() {
		out = append(out, Constraint{Name: p.primaryKeyName(entity), Entity: entity, Fields: []string{schema.PrimaryKey}})
		for _, u := range secondaryUniques(entity) {
			out = append(out, Constraint{Name: p.uniqueName(entity, u), Entity: entity, Fields: u.Fields})
		}
		for _, rel := range entity.Relations {
			if rel.Owning {
				out = append(out, Constraint{Name: p.foreignKeyName(entity, rel), Entity: entity, Relation: rel})
			}
		}
	}
	return out
}

// ConstraintByName resolves a constraint name reported by a driver. MySQL may prefix the
// name with the table.
func (p *Planner) ConstraintByName(name string) (Constraint, bool) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	for _, c := range p.Constraints() {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Constraint{}, false
}

// FieldsForColumns maps column names back to field names of entity. Unknown columns are
// returned unchanged.
func (p *Planner) FieldsForColumns(entity *schema.Entity, columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		out[i] = col
		for _, f := range entity.Fields {
			if p.names.Column(entity.Name, f.Name) == col {
				out[i] = f.Name
				break
			}
		}
	}
	return out
}

// secondaryUniques returns the unique constraints other than the primary key.
func secondaryUniques(entity *schema.Entity) []schema.UniqueConstraint {
	var out []schema.UniqueConstraint
	for _, u := range entity.Uniques {
		if u.Name != schema.PrimaryKey {
			out = append(out, u)
		}
	}
	return out
}

// keyFields returns the fields of entity that take part in a key or index.
func keyFields(entity *schema.Entity) map[string]bool {
	keys := map[string]bool{schema.PrimaryKey: true}
	for _, u := range entity.Uniques {
		for _, f := range u.Fields {
			keys[f] = true
		}
	}
	for _, rel := range entity.Relations {
		if rel.Owning {
			keys[rel.FKField] = true
		}
	}
	return keys
}

// PlanCreateTables builds CREATE TABLE statements for every entity, in an order where
// referenced tables come first, followed by foreign key indexes where the dialect does not
// create them implicitly.
func (p *Planner) PlanCreateTables() []SQLQuery {
	var out []SQLQuery
	for _, entity := range p.reg.Entities() {
		keys := keyFields(entity)
		var defs []string
		for _, f := range entity.Fields {
			def := fmt.Sprintf("%s %s", p.Column(entity, "", f.Name), p.dialect.ColumnType(f, keys[f.Name]))
			if !f.Nullable {
				def += " NOT NULL"
			}
			if f.Enum != nil {
				quoted := make([]string, len(f.Enum.Values))
				for i, v := range f.Enum.Values {
					quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
				}
				def += fmt.Sprintf(" CHECK (%s IN (%s))", p.Column(entity, "", f.Name), strings.Join(quoted, ", "))
			}
			defs = append(defs, def)
		}
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			p.dialect.Quote(p.primaryKeyName(entity)), p.Column(entity, "", schema.PrimaryKey)))
		for _, u := range secondaryUniques(entity) {
			cols := make([]string, len(u.Fields))
			for i, f := range u.Fields {
				cols[i] = p.Column(entity, "", f)
			}
			defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)",
				p.dialect.Quote(p.uniqueName(entity, u)), strings.Join(cols, ", ")))
		}
		for _, rel := range entity.Relations {
			if !rel.Owning {
				continue
			}
			target := p.reg.Target(rel)
			defs = append(defs, fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
				p.dialect.Quote(p.foreignKeyName(entity, rel)),
				p.Column(entity, "", rel.FKField),
				p.Table(target),
				p.Column(target, "", schema.PrimaryKey)))
		}
		out = append(out, SQLQuery{
			SQL: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", p.Table(entity), strings.Join(defs, ",\n  ")),
		})
	}

	if !p.dialect.indexIfNotExists() {
		return out
	}
	for _, entity := range p.reg.Entities() {
		for _, rel := range entity.Relations {
			if !rel.Owning {
				continue
			}
			out = append(out, SQLQuery{
				SQL: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
					p.dialect.Quote(p.indexName(entity, rel.FKField)), p.Table(entity), p.Column(entity, "", rel.FKField)),
			})
		}
	}
	return out
}
