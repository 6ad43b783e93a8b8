package engine

import (
	"context"
	"errors"

	"pmquery/internal/filter"
	"pmquery/internal/mutation"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/shape"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// Operation names a model operation.
type Operation string

const (
	OpFindUnique        Operation = "findUnique"
	OpFindUniqueOrThrow Operation = "findUniqueOrThrow"
	OpFindFirst         Operation = "findFirst"
	OpFindFirstOrThrow  Operation = "findFirstOrThrow"
	OpFindMany          Operation = "findMany"
	OpCreate            Operation = "create"
	OpCreateMany        Operation = "createMany"
	OpUpdate            Operation = "update"
	OpUpdateMany        Operation = "updateMany"
	OpUpsert            Operation = "upsert"
	OpDelete            Operation = "delete"
	OpDeleteMany        Operation = "deleteMany"
	OpAggregate         Operation = "aggregate"
	OpGroupBy           Operation = "groupBy"
	OpCount             Operation = "count"
)

// Operations lists every operation in dispatch order.
var Operations = []Operation{
	OpFindUnique, OpFindUniqueOrThrow, OpFindFirst, OpFindFirstOrThrow, OpFindMany,
	OpCreate, OpCreateMany, OpUpdate, OpUpdateMany, OpUpsert, OpDelete, OpDeleteMany,
	OpAggregate, OpGroupBy, OpCount,
}

var (
	uniqueKeys     = append([]string{query.ArgWhere}, query.ProjectionKeys...)
	createKeys     = append([]string{mutation.ArgData}, query.ProjectionKeys...)
	createManyKeys = []string{mutation.ArgData, mutation.ArgSkipDuplicates}
	updateKeys     = append([]string{query.ArgWhere, mutation.ArgData}, query.ProjectionKeys...)
	updateManyKeys = []string{query.ArgWhere, mutation.ArgData, mutation.ArgLimit}
	upsertKeys     = append([]string{query.ArgWhere, mutation.ArgCreate, mutation.ArgUpdate}, query.ProjectionKeys...)
	deleteManyKeys = []string{query.ArgWhere, mutation.ArgLimit}
)

// Model runs operations against one entity.
type Model struct {
	engine *Engine
	entity *schema.Entity
}

// Name returns the entity name.
func (m *Model) Name() string { return m.entity.Name }

// FindUnique returns the row a unique where resolves to, or nil.
func (m *Model) FindUnique(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpFindUnique, func(ctx context.Context) (int, error) {
		rec, err := m.findUnique(ctx, args)
		out = rec
		return countOne(rec), err
	})
	return out, err
}

// FindUniqueOrThrow is FindUnique that fails with RecordNotFound instead of returning nil.
func (m *Model) FindUniqueOrThrow(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpFindUniqueOrThrow, func(ctx context.Context) (int, error) {
		rec, err := m.findUnique(ctx, args)
		if err != nil {
			return 0, err
		}
		if rec == nil {
			return 0, queryerr.NotFound(m.entity.Name, "no record found")
		}
		out = rec
		return 1, nil
	})
	return out, err
}

func (m *Model) findUnique(ctx context.Context, args map[string]any) (shape.Record, error) {
	e := m.engine
	if err := query.CheckKeys(m.entity.Name, args, uniqueKeys...); err != nil {
		return nil, err
	}
	raw, ok := value.Present(args, query.ArgWhere)
	if !ok {
		return nil, queryerr.Validation(m.entity.Name, "where is required")
	}
	uw, err := e.args.UniqueWhere(m.entity, raw)
	if err != nil {
		return nil, err
	}
	sel, err := e.args.Selection(m.entity, args)
	if err != nil {
		return nil, err
	}
	row, err := m.resolve(ctx, e.store, uw)
	if err != nil || row == nil {
		return nil, err
	}
	rows := []value.Row{row}
	if err := e.loader.Load(ctx, e.store, m.entity, rows, sel); err != nil {
		return nil, err
	}
	return shape.Row(e.reg, m.entity, rows[0], sel), nil
}

// FindFirst returns the first row of a findMany, or nil.
func (m *Model) FindFirst(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpFindFirst, func(ctx context.Context) (int, error) {
		rec, err := m.findFirst(ctx, args)
		out = rec
		return countOne(rec), err
	})
	return out, err
}

// FindFirstOrThrow is FindFirst that fails with RecordNotFound instead of returning nil.
func (m *Model) FindFirstOrThrow(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpFindFirstOrThrow, func(ctx context.Context) (int, error) {
		rec, err := m.findFirst(ctx, args)
		if err != nil {
			return 0, err
		}
		if rec == nil {
			return 0, queryerr.NotFound(m.entity.Name, "no record found")
		}
		out = rec
		return 1, nil
	})
	return out, err
}

func (m *Model) findFirst(ctx context.Context, args map[string]any) (shape.Record, error) {
	recs, err := m.findMany(ctx, args, true)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// FindMany returns every row selected by the find arguments.
func (m *Model) FindMany(ctx context.Context, args map[string]any) ([]shape.Record, error) {
	var out []shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpFindMany, func(ctx context.Context) (int, error) {
		recs, err := m.findMany(ctx, args, false)
		out = recs
		return len(recs), err
	})
	return out, err
}

func (m *Model) findMany(ctx context.Context, args map[string]any, first bool) ([]shape.Record, error) {
	e := m.engine
	if err := query.CheckKeys(m.entity.Name, args, query.FindKeys...); err != nil {
		return nil, err
	}
	find, err := e.args.Find(m.entity, args)
	if err != nil {
		return nil, err
	}
	if first {
		find.Take = firstTake(find.Take)
	}
	sel, err := e.args.Selection(m.entity, args)
	if err != nil {
		return nil, err
	}
	rows, err := e.loader.Find(ctx, e.store, m.entity, find)
	if err != nil {
		return nil, err
	}
	if err := e.loader.Load(ctx, e.store, m.entity, rows, sel); err != nil {
		return nil, err
	}
	return shape.Rows(e.reg, m.entity, rows, sel), nil
}

// firstTake narrows take to one row. A negative take keeps its direction so findFirst returns
// the last row of the ordering; take 0 stays 0.
func firstTake(take *int) *int {
	n := 1
	switch {
	case take == nil:
	case *take < 0:
		n = -1
	case *take == 0:
		n = 0
	}
	return &n
}

// Create inserts a row with nested writes and returns it shaped by the projection arguments.
func (m *Model) Create(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpCreate, func(ctx context.Context) (int, error) {
		if err := query.CheckKeys(m.entity.Name, args, createKeys...); err != nil {
			return 0, err
		}
		data, err := m.data(args, mutation.ArgData)
		if err != nil {
			return 0, err
		}
		if err := m.engine.mutations.ValidateCreate(m.entity, data); err != nil {
			return 0, err
		}
		sel, err := m.engine.args.Selection(m.entity, args)
		if err != nil {
			return 0, err
		}
		err = m.engine.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			row, err := m.engine.mutations.Create(ctx, tx, m.entity, data)
			if err != nil {
				return err
			}
			out, err = m.shapeOne(ctx, tx, row, sel)
			return err
		})
		return countOne(out), err
	})
	return out, err
}

// CreateMany inserts every item of data in one transaction.
func (m *Model) CreateMany(ctx context.Context, args map[string]any) (BatchResult, error) {
	var out BatchResult
	err := m.engine.instrument(ctx, m.entity.Name, OpCreateMany, func(ctx context.Context) (int, error) {
		if err := query.CheckKeys(m.entity.Name, args, createManyKeys...); err != nil {
			return 0, err
		}
		raw, err := m.data(args, mutation.ArgData)
		if err != nil {
			return 0, err
		}
		items, ok := value.AsList(raw)
		if !ok {
			items = []any{raw}
		}
		skip := false
		if v, ok := value.Present(args, mutation.ArgSkipDuplicates); ok {
			if skip, ok = v.(bool); !ok {
				return 0, queryerr.Validation(m.entity.Name, "skipDuplicates must be a boolean")
			}
		}
		if err := m.engine.mutations.ValidateCreateMany(m.entity, items); err != nil {
			return 0, err
		}
		err = m.engine.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			n, err := m.engine.mutations.CreateMany(ctx, tx, m.entity, items, skip)
			out.Count = n
			return err
		})
		if err != nil {
			out.Count = 0
		}
		return out.Count, err
	})
	return out, err
}

// Update applies data to the row a unique where resolves to.
func (m *Model) Update(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpUpdate, func(ctx context.Context) (int, error) {
		if err := query.CheckKeys(m.entity.Name, args, updateKeys...); err != nil {
			return 0, err
		}
		uw, err := m.uniqueWhere(args)
		if err != nil {
			return 0, err
		}
		data, err := m.data(args, mutation.ArgData)
		if err != nil {
			return 0, err
		}
		if err := m.engine.mutations.ValidateUpdate(m.entity, data); err != nil {
			return 0, err
		}
		sel, err := m.engine.args.Selection(m.entity, args)
		if err != nil {
			return 0, err
		}
		err = m.engine.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			row, err := m.engine.mutations.Update(ctx, tx, m.entity, uw, data)
			if err != nil {
				return err
			}
			out, err = m.shapeOne(ctx, tx, row, sel)
			return err
		})
		return countOne(out), err
	})
	return out, err
}

// UpdateMany applies scalar data to every row matching where.
func (m *Model) UpdateMany(ctx context.Context, args map[string]any) (BatchResult, error) {
	var out BatchResult
	err := m.engine.instrument(ctx, m.entity.Name, OpUpdateMany, func(ctx context.Context) (int, error) {
		if err := query.CheckKeys(m.entity.Name, args, updateManyKeys...); err != nil {
			return 0, err
		}
		where, err := m.where(args)
		if err != nil {
			return 0, err
		}
		data, err := m.data(args, mutation.ArgData)
		if err != nil {
			return 0, err
		}
		if err := m.engine.mutations.ValidateUpdateMany(m.entity, data); err != nil {
			return 0, err
		}
		limit, err := m.limit(args)
		if err != nil {
			return 0, err
		}
		err = m.engine.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			n, err := m.engine.mutations.UpdateMany(ctx, tx, m.entity, where, data, limit)
			out.Count = n
			return err
		})
		if err != nil {
			out.Count = 0
		}
		return out.Count, err
	})
	return out, err
}

// Upsert updates the row a unique where resolves to, or creates it. The check and the write
// run in one serializable transaction; a transaction that loses a race with a concurrent
// creator is retried so it takes the update path.
func (m *Model) Upsert(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpUpsert, func(ctx context.Context) (int, error) {
		if err := query.CheckKeys(m.entity.Name, args, upsertKeys...); err != nil {
			return 0, err
		}
		uw, err := m.uniqueWhere(args)
		if err != nil {
			return 0, err
		}
		create, err := m.data(args, mutation.ArgCreate)
		if err != nil {
			return 0, err
		}
		update, err := m.data(args, mutation.ArgUpdate)
		if err != nil {
			return 0, err
		}
		if err := m.engine.mutations.ValidateCreate(m.entity, create); err != nil {
			return 0, err
		}
		if err := m.engine.mutations.ValidateUpdate(m.entity, update); err != nil {
			return 0, err
		}
		sel, err := m.engine.args.Selection(m.entity, args)
		if err != nil {
			return 0, err
		}

		for attempt := 0; ; attempt++ {
			var created bool
			err = m.engine.store.InTx(ctx, store.TxOptions{Serializable: true}, func(ctx context.Context, tx store.Store) error {
				var row value.Row
				var err error
				row, created, err = m.engine.mutations.Upsert(ctx, tx, m.entity, uw, create, update)
				if err != nil {
					return err
				}
				out, err = m.shapeOne(ctx, tx, row, sel)
				return err
			})
			if err == nil || attempt >= m.engine.upsertRetry || !lostRace(err, created) {
				break
			}
			m.engine.metrics.RecordRetry(ctx, m.entity.Name, string(OpUpsert))
			m.engine.loggerFor(ctx).Debug("retrying upsert after conflict", "model", m.entity.Name, "error", err.Error())
			out = nil
		}
		return countOne(out), err
	})
	return out, err
}

// lostRace reports whether an upsert failed because a concurrent transaction wrote the same
// key first. A storage-detected unique violation on the create path means the row appeared
// after the check.
func lostRace(err error, created bool) bool {
	if errors.Is(err, store.ErrConflict) {
		return true
	}
	return created && errors.Is(err, queryerr.ErrUniqueConstraint) && queryerr.OriginOf(err) == queryerr.OriginStorage
}

// Delete removes the row a unique where resolves to and returns it as it was. Included
// relations are loaded before the delete policies run.
func (m *Model) Delete(ctx context.Context, args map[string]any) (shape.Record, error) {
	var out shape.Record
	err := m.engine.instrument(ctx, m.entity.Name, OpDelete, func(ctx context.Context) (int, error) {
		if err := query.CheckKeys(m.entity.Name, args, uniqueKeys...); err != nil {
			return 0, err
		}
		uw, err := m.uniqueWhere(args)
		if err != nil {
			return 0, err
		}
		sel, err := m.engine.args.Selection(m.entity, args)
		if err != nil {
			return 0, err
		}
		err = m.engine.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			row, err := m.resolve(ctx, tx, uw)
			if err != nil {
				return err
			}
			if row == nil {
				return queryerr.NotFound(m.entity.Name, "no record found to delete")
			}
			rec, err := m.shapeOne(ctx, tx, row, sel)
			if err != nil {
				return err
			}
			if _, err := m.engine.mutations.Delete(ctx, tx, m.entity, uw); err != nil {
				return err
			}
			out = rec
			return nil
		})
		return countOne(out), err
	})
	return out, err
}

// DeleteMany removes every row matching where.
func (m *Model) DeleteMany(ctx context.Context, args map[string]any) (BatchResult, error) {
	var out BatchResult
	err := m.engine.instrument(ctx, m.entity.Name, OpDeleteMany, func(ctx context.Context) (int, error) {
		if err := query.CheckKeys(m.entity.Name, args, deleteManyKeys...); err != nil {
			return 0, err
		}
		where, err := m.where(args)
		if err != nil {
			return 0, err
		}
		limit, err := m.limit(args)
		if err != nil {
			return 0, err
		}
		err = m.engine.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			n, err := m.engine.mutations.DeleteMany(ctx, tx, m.entity, where, limit)
			out.Count = n
			return err
		})
		if err != nil {
			out.Count = 0
		}
		return out.Count, err
	})
	return out, err
}

// Aggregate computes _count/_avg/_sum/_min/_max over the selected rows.
func (m *Model) Aggregate(ctx context.Context, args map[string]any) (map[string]any, error) {
	var out map[string]any
	err := m.engine.instrument(ctx, m.entity.Name, OpAggregate, func(ctx context.Context) (int, error) {
		var err error
		out, err = m.engine.aggregates.Aggregate(ctx, m.engine.store, m.entity, args)
		return countOne(out), err
	})
	return out, err
}

// GroupBy returns one aggregate row per distinct tuple of the by fields.
func (m *Model) GroupBy(ctx context.Context, args map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := m.engine.instrument(ctx, m.entity.Name, OpGroupBy, func(ctx context.Context) (int, error) {
		var err error
		out, err = m.engine.aggregates.GroupBy(ctx, m.engine.store, m.entity, args)
		return len(out), err
	})
	return out, err
}

// Count returns the number of selected rows, or per-field non-null counts when select is set.
func (m *Model) Count(ctx context.Context, args map[string]any) (any, error) {
	var out any
	err := m.engine.instrument(ctx, m.entity.Name, OpCount, func(ctx context.Context) (int, error) {
		var err error
		out, err = m.engine.aggregates.Count(ctx, m.engine.store, m.entity, args)
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	return out, err
}

func (m *Model) resolve(ctx context.Context, st store.Store, uw *query.UniqueWhere) (value.Row, error) {
	one := 1
	rows, err := st.Select(ctx, store.Query{Entity: m.entity, Where: uw.Expr, Limit: &one})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// shapeOne loads the selection for row inside st and shapes it.
func (m *Model) shapeOne(ctx context.Context, st store.Store, row value.Row, sel *query.Selection) (shape.Record, error) {
	rows := []value.Row{row}
	if err := m.engine.loader.Load(ctx, st, m.entity, rows, sel); err != nil {
		return nil, err
	}
	return shape.Row(m.engine.reg, m.entity, rows[0], sel), nil
}

func (m *Model) uniqueWhere(args map[string]any) (*query.UniqueWhere, error) {
	raw, ok := value.Present(args, query.ArgWhere)
	if !ok {
		return nil, queryerr.Validation(m.entity.Name, "where is required")
	}
	return m.engine.args.UniqueWhere(m.entity, raw)
}

func (m *Model) where(args map[string]any) (filter.Expr, error) {
	raw, ok := value.Present(args, query.ArgWhere)
	if !ok {
		return nil, nil
	}
	return m.engine.args.Filters().Parse(m.entity, raw)
}

func (m *Model) data(args map[string]any, key string) (any, error) {
	raw, ok := value.Present(args, key)
	if !ok {
		return nil, queryerr.Validation(m.entity.Name, "%s is required", key)
	}
	return raw, nil
}

func (m *Model) limit(args map[string]any) (*int, error) {
	raw, ok := value.Present(args, mutation.ArgLimit)
	if !ok {
		return nil, nil
	}
	n, ok := value.AsInt(raw)
	if !ok || n < 0 {
		return nil, queryerr.Validation(m.entity.Name, "limit must be a non-negative integer, got %v", raw)
	}
	return &n, nil
}

func countOne[T any](v map[string]T) int {
	if v == nil {
		return 0
	}
	return 1
}
