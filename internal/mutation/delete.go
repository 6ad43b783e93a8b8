package mutation

import (
	"context"
	"fmt"

	"pmquery/internal/filter"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// Delete removes the row uw resolves to, applying delete policies to its dependents, and
// returns the row as it was before deletion.
func (p *Planner) Delete(ctx context.Context, st store.Store, entity *schema.Entity, uw *query.UniqueWhere) (value.Row, error) {
	current, err := p.findUnique(ctx, st, entity, uw)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, queryerr.NotFound(entity.Name, "no record found to delete")
	}
	if err := p.remove(ctx, st, entity, current, map[string]bool{}); err != nil {
		return nil, err
	}
	return current, nil
}

// DeleteMany removes rows matching where in ascending primary key order, at most limit rows,
// and returns how many of them were deleted. Rows already removed by a cascade from an
// earlier row are not counted again.
func (p *Planner) DeleteMany(ctx context.Context, st store.Store, entity *schema.Entity, where filter.Expr, limit *int) (int, error) {
	rows, err := p.ordered(ctx, st, entity, where, limit)
	if err != nil {
		return 0, err
	}
	visited := map[string]bool{}
	count := 0
	for _, row := range rows {
		if visited[visitKey(entity, row[schema.PrimaryKey])] {
			continue
		}
		if err := p.remove(ctx, st, entity, row, visited); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func visitKey(entity *schema.Entity, id any) string {
	return entity.Name + ":" + value.Key(id)
}

// remove applies delete policies depth-first and then deletes row. visited holds rows already
// being removed so cascades through self relations terminate.
func (p *Planner) remove(ctx context.Context, st store.Store, entity *schema.Entity, row value.Row, visited map[string]bool) error {
	id := row[schema.PrimaryKey]
	visited[visitKey(entity, id)] = true

	for _, dep := range p.reg.Dependents(entity.Name) {
		children, err := p.ordered(ctx, st, dep.Entity, filter.Eq(dep.Relation.FKField, id), nil)
		if err != nil {
			return err
		}
		pending := children[:0]
		for _, c := range children {
			if !visited[visitKey(dep.Entity, c[schema.PrimaryKey])] {
				pending = append(pending, c)
			}
		}
		if len(pending) == 0 {
			continue
		}

		switch dep.Relation.OnDelete {
		case schema.Cascade:
			for _, c := range pending {
				if err := p.remove(ctx, st, dep.Entity, c, visited); err != nil {
					return err
				}
			}
		case schema.SetNull:
			for _, c := range pending {
				if _, err := st.Update(ctx, dep.Entity, c[schema.PrimaryKey], value.Row{dep.Relation.FKField: nil}); err != nil {
					return err
				}
			}
		default:
			msg := fmt.Sprintf("%s is still referenced by %s.%s", entity.Name, dep.Entity.Name, dep.Relation.Name)
			return queryerr.ForeignKey(entity.Name, "", msg, queryerr.OriginLocal)
		}
	}

	ok, err := st.Delete(ctx, entity, id)
	if err != nil {
		return err
	}
	if !ok {
		return queryerr.NotFound(entity.Name, "no record found to delete")
	}
	return nil
}
