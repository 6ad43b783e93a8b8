// Package planner compiles filter expressions, orderings and row writes into parameterized SQL
// for a registry-backed schema. Relation filters become correlated EXISTS subqueries and every
// comparison on a nullable column is guarded so SQL results match two-valued evaluation.
package planner

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"pmquery/internal/naming"
	"pmquery/internal/schema"
)

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// RootAlias is the alias of the queried table in SELECT statements.
const RootAlias = "t0"

// Planner builds SQL for one registry, dialect and naming scheme.
type Planner struct {
	reg     *schema.Registry
	dialect Dialect
	names   *naming.Mapping
}

// New creates a planner.
func New(reg *schema.Registry, dialect Dialect, names *naming.Mapping) *Planner {
	return &Planner{reg: reg, dialect: dialect, names: names}
}

// Dialect returns the planner's SQL dialect.
func (p *Planner) Dialect() Dialect { return p.dialect }

// Table returns the quoted table for an entity.
func (p *Planner) Table(entity *schema.Entity) string {
	return p.dialect.Quote(p.names.Table(entity.Name))
}

// Column returns the quoted, optionally qualified column for a field.
func (p *Planner) Column(entity *schema.Entity, alias, field string) string {
	col := p.dialect.Quote(p.names.Column(entity.Name, field))
	if alias == "" {
		return col
	}
	return p.dialect.Quote(alias) + "." + col
}

func (p *Planner) from(entity *schema.Entity, alias string) string {
	return fmt.Sprintf("%s AS %s", p.Table(entity), p.dialect.Quote(alias))
}

// finish renders a statement with the dialect's placeholder format.
func (p *Planner) finish(b sq.Sqlizer) (SQLQuery, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	query, err = p.dialect.Placeholder().ReplacePlaceholders(query)
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}
