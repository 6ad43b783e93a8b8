// Package sqlstore implements the store over database/sql. Filters, orderings and windows are
// compiled by the planner and run in the database; driver constraint errors are translated
// into the engine's error taxonomy.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"pmquery/internal/dbexec"
	"pmquery/internal/planner"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// conn holds the statement paths shared by the pool-backed and transaction-backed stores.
type conn struct {
	exec    dbexec.QueryExecutor
	planner *planner.Planner
	logger  *slog.Logger
}

// Store is a SQL-backed store.
type Store struct {
	conn
	db  *sql.DB
	std *dbexec.StandardExecutor
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for statement and transaction events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store over db. The planner's dialect must match the driver behind db.
func New(db *sql.DB, p *planner.Planner, opts ...Option) *Store {
	std := dbexec.NewStandardExecutor(db)
	s := &Store{
		conn: conn{exec: std, planner: p, logger: slog.Default()},
		db:   db,
		std:  std,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Planner returns the planner the store compiles statements with.
func (s *Store) Planner() *planner.Planner { return s.planner }

// InTx begins a transaction, runs fn against it and commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, tx store.Store) error) (err error) {
	// SQLite transactions are always serializable; the driver rejects explicit levels.
	serializable := opts.Serializable && s.planner.Dialect().Name() != "sqlite"
	tx, err := s.std.BeginTx(ctx, serializable)
	if err != nil {
		return s.mapError(nil, opOther, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("transaction rollback failed", slog.String("error", rbErr.Error()))
		}
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(ctx, &txStore{conn: conn{exec: tx, planner: s.planner, logger: s.logger}}); err != nil {
		s.logger.Debug("transaction rolled back", slog.String("error", err.Error()))
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.mapError(nil, opOther, err)
	}
	committed = true
	return nil
}

type txStore struct {
	conn
}

// InTx joins the enclosing transaction.
func (t *txStore) InTx(ctx context.Context, _ store.TxOptions, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, t)
}

func (c *conn) Select(ctx context.Context, q store.Query) ([]value.Row, error) {
	if q.Entity == nil {
		return nil, fmt.Errorf("select requires an entity")
	}
	query, err := c.planner.PlanSelect(q)
	if err != nil {
		return nil, fmt.Errorf("failed to plan select on %s: %w", q.Entity.Name, err)
	}
	rows, err := c.exec.QueryContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return nil, c.mapError(q.Entity, opSelect, err)
	}
	defer rows.Close()

	out, err := scanRows(q.Entity, rows)
	if err != nil {
		return nil, c.mapError(q.Entity, opSelect, err)
	}
	return out, nil
}

func (c *conn) Insert(ctx context.Context, entity *schema.Entity, row value.Row) error {
	query, err := c.planner.PlanInsert(entity, row)
	if err != nil {
		return fmt.Errorf("failed to plan insert on %s: %w", entity.Name, err)
	}
	if _, err := c.exec.ExecContext(ctx, query.SQL, query.Args...); err != nil {
		return c.mapError(entity, opInsert, err)
	}
	return nil
}

func (c *conn) Update(ctx context.Context, entity *schema.Entity, id any, set value.Row) (bool, error) {
	if len(set) == 0 {
		// Nothing to write; report existence so callers see the same answer as a real update.
		rows, err := c.Select(ctx, byID(entity, id))
		if err != nil {
			return false, err
		}
		return len(rows) > 0, nil
	}
	query, err := c.planner.PlanUpdate(entity, id, set)
	if err != nil {
		return false, fmt.Errorf("failed to plan update on %s: %w", entity.Name, err)
	}
	res, err := c.exec.ExecContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return false, c.mapError(entity, opUpdate, err)
	}
	return affected(entity, res)
}

func (c *conn) Delete(ctx context.Context, entity *schema.Entity, id any) (bool, error) {
	query, err := c.planner.PlanDelete(entity, id)
	if err != nil {
		return false, fmt.Errorf("failed to plan delete on %s: %w", entity.Name, err)
	}
	res, err := c.exec.ExecContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return false, c.mapError(entity, opDelete, err)
	}
	return affected(entity, res)
}

func affected(entity *schema.Entity, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows on %s: %w", entity.Name, err)
	}
	return n > 0, nil
}

func byID(entity *schema.Entity, id any) store.Query {
	one := 1
	return store.Query{
		Entity: entity,
		Where:  filterByID(id),
		Limit:  &one,
	}
}
