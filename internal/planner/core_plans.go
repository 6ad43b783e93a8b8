package planner

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"pmquery/internal/store"
)

// PlanSelect builds the SQL for a store query. The selected columns follow
// entity.Fields order.
func (p *Planner) PlanSelect(q store.Query) (SQLQuery, error) {
	entity := q.Entity
	columns := make([]string, len(entity.Fields))
	for i, f := range entity.Fields {
		columns[i] = p.Column(entity, RootAlias, f.Name)
	}
	builder := sq.Select(columns...).From(p.from(entity, RootAlias))

	where, err := p.BuildWhere(entity, RootAlias, q.Where)
	if err != nil {
		return SQLQuery{}, err
	}
	if where != nil {
		builder = builder.Where(where)
	}

	if len(q.OrderBy) > 0 {
		order, err := p.OrderBy(entity, RootAlias, q.OrderBy)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.OrderBy(order...)
	}

	if q.Offset < 0 {
		return SQLQuery{}, fmt.Errorf("offset cannot be negative: %d", q.Offset)
	}
	switch {
	case q.Limit != nil:
		if *q.Limit < 0 {
			return SQLQuery{}, fmt.Errorf("limit cannot be negative: %d", *q.Limit)
		}
		builder = builder.Limit(uint64(*q.Limit))
		if q.Offset > 0 {
			builder = builder.Offset(uint64(q.Offset))
		}
	case q.Offset > 0:
		builder = builder.Suffix(fmt.Sprintf("LIMIT %s OFFSET %d", p.dialect.unbounded(), q.Offset))
	}
	return p.finish(builder)
}
