package planner

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"pmquery/internal/filter"
	"pmquery/internal/schema"
)

type whereBuildState struct {
	aliasCounter int
}

func (s *whereBuildState) nextAlias() string {
	s.aliasCounter++
	return fmt.Sprintf("t%d", s.aliasCounter)
}

// BuildWhere compiles e for the entity aliased as alias. A nil expression yields a nil
// condition.
func (p *Planner) BuildWhere(entity *schema.Entity, alias string, e filter.Expr) (sq.Sqlizer, error) {
	if e == nil {
		return nil, nil
	}
	return p.buildCondition(entity, alias, e, &whereBuildState{})
}

func (p *Planner) buildCondition(entity *schema.Entity, alias string, e filter.Expr, state *whereBuildState) (sq.Sqlizer, error) {
	switch n := e.(type) {
	case nil:
		return sqlTrue, nil
	case *filter.Const:
		if n.Value {
			return sqlTrue, nil
		}
		return sqlFalse, nil
	case *filter.And:
		if len(n.Exprs) == 0 {
			return sqlTrue, nil
		}
		conds := make(sq.And, 0, len(n.Exprs))
		for _, child := range n.Exprs {
			cond, err := p.buildCondition(entity, alias, child, state)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		return conds, nil
	case *filter.Or:
		if len(n.Exprs) == 0 {
			return sqlFalse, nil
		}
		conds := make(sq.Or, 0, len(n.Exprs))
		for _, child := range n.Exprs {
			cond, err := p.buildCondition(entity, alias, child, state)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		return conds, nil
	case *filter.Not:
		cond, err := p.buildCondition(entity, alias, n.Expr, state)
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT (?)", cond), nil
	case *filter.Cmp:
		return p.buildCmp(entity, alias, n)
	case *filter.JSONCmp:
		if _, err := entity.MustField(n.Field); err != nil {
			return nil, err
		}
		return p.dialect.json(p.Column(entity, alias, n.Field), n)
	case *filter.Relation:
		return p.buildRelation(entity, alias, n, state)
	default:
		return nil, fmt.Errorf("unsupported filter node %T", e)
	}
}

// buildCmp compiles a scalar comparison. Comparisons on nullable columns are guarded with
// IS NOT NULL so negation never meets SQL's unknown.
func (p *Planner) buildCmp(entity *schema.Entity, alias string, c *filter.Cmp) (sq.Sqlizer, error) {
	field, err := entity.MustField(c.Field)
	if err != nil {
		return nil, err
	}
	col := p.Column(entity, alias, c.Field)

	switch c.Op {
	case filter.OpIsNull:
		return sq.Expr(col + " IS NULL"), nil
	case filter.OpIsNotNull:
		return sq.Expr(col + " IS NOT NULL"), nil
	}

	lhs := col
	fold := func(v any) any { return v }
	if c.Insensitive {
		lhs = "LOWER(" + col + ")"
		fold = func(v any) any {
			if s, ok := v.(string); ok {
				return strings.ToLower(s)
			}
			return v
		}
	}
	encode := func(v any) (any, error) {
		return p.dialect.Encode(field, fold(v))
	}

	var pred sq.Sqlizer
	switch c.Op {
	case filter.OpEquals, filter.OpNotEquals, filter.OpLt, filter.OpLte, filter.OpGt, filter.OpGte:
		arg, err := encode(c.Value)
		if err != nil {
			return nil, err
		}
		pred = sq.Expr(fmt.Sprintf("%s %s ?", lhs, sqlOperator(c.Op)), arg)
	case filter.OpIn, filter.OpNotIn:
		if len(c.Values) == 0 {
			if c.Op == filter.OpIn {
				return sqlFalse, nil
			}
			pred = sqlTrue
			break
		}
		args := make([]any, len(c.Values))
		for i, v := range c.Values {
			if args[i], err = encode(v); err != nil {
				return nil, err
			}
		}
		keyword := "IN"
		if c.Op == filter.OpNotIn {
			keyword = "NOT IN"
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		pred = sq.Expr(fmt.Sprintf("%s %s (%s)", lhs, keyword, placeholders), args...)
	case filter.OpContains, filter.OpStartsWith, filter.OpEndsWith:
		needle, _ := c.Value.(string)
		pred = p.dialect.like(col, c.Op, needle, c.Insensitive)
	default:
		return nil, fmt.Errorf("unsupported operator %q", c.Op)
	}

	if field.Nullable {
		return sq.And{sq.Expr(col + " IS NOT NULL"), pred}, nil
	}
	return pred, nil
}

func sqlOperator(op filter.Op) string {
	switch op {
	case filter.OpEquals:
		return "="
	case filter.OpNotEquals:
		return "<>"
	case filter.OpLt:
		return "<"
	case filter.OpLte:
		return "<="
	case filter.OpGt:
		return ">"
	default:
		return ">="
	}
}

// correlation returns the join predicate between the outer row and the related alias.
func (p *Planner) correlation(entity *schema.Entity, outer string, rel *schema.Relation, target *schema.Entity, inner string) string {
	if rel.Owning {
		return fmt.Sprintf("%s = %s", p.Column(target, inner, schema.PrimaryKey), p.Column(entity, outer, rel.FKField))
	}
	return fmt.Sprintf("%s = %s", p.Column(target, inner, rel.FKField), p.Column(entity, outer, schema.PrimaryKey))
}

// buildRelation compiles a relation filter into a correlated EXISTS. every(P) is expressed
// as "no related row violates P".
func (p *Planner) buildRelation(entity *schema.Entity, alias string, n *filter.Relation, state *whereBuildState) (sq.Sqlizer, error) {
	target := p.reg.Target(n.Relation)
	if target == nil {
		return nil, fmt.Errorf("relation %s.%s has no target", entity.Name, n.Relation.Name)
	}
	inner := state.nextAlias()

	var nested sq.Sqlizer
	if n.Where != nil {
		cond, err := p.buildCondition(target, inner, n.Where, state)
		if err != nil {
			return nil, err
		}
		nested = cond
	}

	exists := true
	switch n.Quantifier {
	case filter.Some, filter.Is:
	case filter.None:
		exists = false
	case filter.Every:
		if nested == nil {
			return sqlTrue, nil
		}
		nested = sq.Expr("NOT (?)", nested)
		exists = false
	default:
		return nil, fmt.Errorf("unsupported relation quantifier %q", n.Quantifier)
	}

	builder := sq.Select("1").
		From(p.from(target, inner)).
		Where(sq.Expr(p.correlation(entity, alias, n.Relation, target, inner)))
	if nested != nil {
		builder = builder.Where(nested)
	}
	subquery, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	prefix := "EXISTS"
	if !exists {
		prefix = "NOT EXISTS"
	}
	return sq.Expr(fmt.Sprintf("%s (%s)", prefix, subquery), args...), nil
}
