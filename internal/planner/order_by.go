package planner

import (
	"fmt"

	"pmquery/internal/rowset"
	"pmquery/internal/schema"
)

// OrderBy compiles ordering terms into ORDER BY expressions for the entity aliased as alias.
// Null placement is emitted explicitly because backends disagree on the default; a null
// sorts as the smallest value unless the term overrides it.
func (p *Planner) OrderBy(entity *schema.Entity, alias string, terms []rowset.OrderTerm) ([]string, error) {
	var out []string
	for i, t := range terms {
		expr, nullable, err := p.orderExpr(entity, alias, t, i)
		if err != nil {
			return nil, err
		}
		if nullable {
			first, last := 0, 1
			if !t.NullsFirst() {
				first, last = 1, 0
			}
			out = append(out, fmt.Sprintf("CASE WHEN %s IS NULL THEN %d ELSE %d END", expr, first, last))
		}
		dir := "ASC"
		if t.Direction == rowset.Desc {
			dir = "DESC"
		}
		out = append(out, expr+" "+dir)
	}
	return out, nil
}

// orderExpr returns the sort key expression and whether it can be null. Relation terms
// become scalar subqueries.
func (p *Planner) orderExpr(entity *schema.Entity, alias string, t rowset.OrderTerm, n int) (string, bool, error) {
	if t.Scalar() {
		f, err := entity.MustField(t.Field)
		if err != nil {
			return "", false, err
		}
		return p.Column(entity, alias, t.Field), f.Nullable, nil
	}

	target := p.reg.Target(t.Relation)
	if target == nil {
		return "", false, fmt.Errorf("relation %s.%s has no target", entity.Name, t.Relation.Name)
	}
	inner := fmt.Sprintf("o%d", n+1)
	corr := p.correlation(entity, alias, t.Relation, target, inner)
	if t.Count {
		return fmt.Sprintf("(SELECT COUNT(*) FROM %s WHERE %s)", p.from(target, inner), corr), false, nil
	}
	if _, err := target.MustField(t.Field); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("(SELECT %s FROM %s WHERE %s)", p.Column(target, inner, t.Field), p.from(target, inner), corr), true, nil
}
