package mutation

import (
	"context"
	"fmt"

	"pmquery/internal/filter"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// checkRow runs the local constraint checks for a row about to be written. selfID is the
// current primary key when updating; changed limits the checks to the written fields and is
// nil for inserts.
func (p *Planner) checkRow(ctx context.Context, st store.Store, entity *schema.Entity, row value.Row, selfID any, changed map[string]bool) error {
	if err := p.checkForeignKeys(ctx, st, entity, row, changed); err != nil {
		return err
	}
	if err := p.checkUniques(ctx, st, entity, row, selfID, changed); err != nil {
		return err
	}
	return p.checkScopes(ctx, st, entity, row, selfID, changed)
}

func (p *Planner) checkForeignKeys(ctx context.Context, st store.Store, entity *schema.Entity, row value.Row, changed map[string]bool) error {
	for _, rel := range entity.Relations {
		if !rel.Owning || (changed != nil && !changed[rel.FKField]) {
			continue
		}
		fk := row[rel.FKField]
		if fk == nil {
			if !rel.Nullable {
				return queryerr.Validation(entity.Name, "%s is required", rel.FKField)
			}
			continue
		}
		target, err := p.fetch(ctx, st, p.reg.Target(rel), fk)
		if err != nil {
			return err
		}
		if target == nil {
			msg := fmt.Sprintf("%s references a missing %s", rel.FKField, rel.Target)
			return queryerr.ForeignKey(entity.Name, rel.FKField, msg, queryerr.OriginLocal)
		}
	}
	return nil
}

func (p *Planner) checkUniques(ctx context.Context, st store.Store, entity *schema.Entity, row value.Row, selfID any, changed map[string]bool) error {
	for _, u := range entity.Uniques {
		if changed != nil && !touches(u, changed) {
			continue
		}
		conds := make([]filter.Expr, 0, len(u.Fields)+1)
		complete := true
		for _, f := range u.Fields {
			if row[f] == nil {
				complete = false
				break
			}
			conds = append(conds, filter.Eq(f, row[f]))
		}
		if !complete {
			continue
		}
		if selfID != nil {
			conds = append(conds, &filter.Not{Expr: filter.Eq(schema.PrimaryKey, selfID)})
		}
		other, err := p.first(ctx, st, entity, filter.AndOf(conds...))
		if err != nil {
			return err
		}
		if other != nil {
			return queryerr.UniqueViolation(entity.Name, u.Fields, queryerr.OriginLocal)
		}
	}
	return nil
}

func touches(u schema.UniqueConstraint, changed map[string]bool) bool {
	for _, f := range u.Fields {
		if changed[f] {
			return true
		}
	}
	return false
}

// checkScopes enforces Relation.Scope: a row and the row it references through a scoped
// relation agree on the scope field, and rows referencing this one keep agreeing when the
// scope field changes.
func (p *Planner) checkScopes(ctx context.Context, st store.Store, entity *schema.Entity, row value.Row, selfID any, changed map[string]bool) error {
	for _, rel := range entity.Relations {
		if rel.Scope == "" {
			continue
		}
		if rel.Owning {
			if changed != nil && !changed[rel.FKField] && !changed[rel.Scope] {
				continue
			}
			fk := row[rel.FKField]
			if fk == nil {
				continue
			}
			if rel.IsSelf() && value.Equal(fk, row[schema.PrimaryKey]) {
				return queryerr.Validation(entity.Name, "%s cannot reference the row itself", rel.Name)
			}
			target, err := p.fetch(ctx, st, p.reg.Target(rel), fk)
			if err != nil {
				return err
			}
			if target != nil && !value.Equal(target[rel.Scope], row[rel.Scope]) {
				return queryerr.Validation(entity.Name, "%s must belong to the same %s", rel.Name, rel.Scope)
			}
			continue
		}
		if selfID == nil || changed == nil || !changed[rel.Scope] {
			continue
		}
		where := filter.AndOf(
			filter.Eq(rel.FKField, selfID),
			&filter.Not{Expr: filter.Eq(rel.Scope, row[rel.Scope])},
		)
		stray, err := p.first(ctx, st, p.reg.Target(rel), where)
		if err != nil {
			return err
		}
		if stray != nil {
			return queryerr.Validation(entity.Name, "cannot change %s while %s belong to the previous one", rel.Scope, rel.Name)
		}
	}
	return nil
}
