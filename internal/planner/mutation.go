package planner

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// orderedColumns returns the fields of entity present in row, in declaration order, with
// their encoded values.
func (p *Planner) orderedColumns(entity *schema.Entity, row value.Row) ([]string, []interface{}, error) {
	for name := range row {
		if _, ok := entity.Field(name); !ok {
			return nil, nil, fmt.Errorf("%s has no column for field %q", entity.Name, name)
		}
	}
	var (
		columns []string
		values  []interface{}
	)
	for _, f := range entity.Fields {
		v, ok := row[f.Name]
		if !ok {
			continue
		}
		encoded, err := p.dialect.Encode(f, v)
		if err != nil {
			return nil, nil, err
		}
		columns = append(columns, p.Column(entity, "", f.Name))
		values = append(values, encoded)
	}
	return columns, values, nil
}

// PlanInsert builds SQL for inserting a single row.
func (p *Planner) PlanInsert(entity *schema.Entity, row value.Row) (SQLQuery, error) {
	columns, values, err := p.orderedColumns(entity, row)
	if err != nil {
		return SQLQuery{}, err
	}
	if len(columns) == 0 {
		return SQLQuery{}, fmt.Errorf("insert into %s has no columns", entity.Name)
	}
	return p.finish(sq.Insert(p.Table(entity)).Columns(columns...).Values(values...))
}

// PlanUpdate builds SQL for updating a single row by primary key.
func (p *Planner) PlanUpdate(entity *schema.Entity, id any, set value.Row) (SQLQuery, error) {
	if len(set) == 0 {
		return SQLQuery{}, fmt.Errorf("update set cannot be empty")
	}
	if _, ok := set[schema.PrimaryKey]; ok {
		return SQLQuery{}, fmt.Errorf("update of %s cannot change the primary key", entity.Name)
	}
	columns, values, err := p.orderedColumns(entity, set)
	if err != nil {
		return SQLQuery{}, err
	}

	update := sq.Update(p.Table(entity))
	for i, col := range columns {
		update = update.Set(col, values[i])
	}
	update = update.Where(sq.Eq{p.Column(entity, "", schema.PrimaryKey): id})
	return p.finish(update)
}

// PlanDelete builds SQL for deleting a single row by primary key.
func (p *Planner) PlanDelete(entity *schema.Entity, id any) (SQLQuery, error) {
	if id == nil {
		return SQLQuery{}, fmt.Errorf("delete from %s needs a primary key value", entity.Name)
	}
	return p.finish(sq.Delete(p.Table(entity)).Where(sq.Eq{p.Column(entity, "", schema.PrimaryKey): id}))
}
