// Package mutation applies create, update, upsert and delete requests to a store. It resolves
// nested relation writes in foreign-key-safe order, pre-checks constraints locally and applies
// delete policies to dependents.
//
// Every method expects st to be transactional (see store.Store.InTx); the planner itself never
// opens transactions.
package mutation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pmquery/internal/filter"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

// Argument names of mutation operations.
const (
	ArgData           = "data"
	ArgCreate         = "create"
	ArgUpdate         = "update"
	ArgSkipDuplicates = "skipDuplicates"
	ArgLimit          = "limit"
)

// Nested write operations.
const (
	opCreate          = "create"
	opCreateMany      = "createMany"
	opConnect         = "connect"
	opConnectOrCreate = "connectOrCreate"
	opDisconnect      = "disconnect"
)

// Arithmetic update operations on Int and Float fields.
const (
	opSet       = "set"
	opIncrement = "increment"
	opDecrement = "decrement"
	opMultiply  = "multiply"
	opDivide    = "divide"
)

// Planner executes mutations against a registry.
type Planner struct {
	reg   *schema.Registry
	args  *query.Parser
	now   func() time.Time
	newID func() string
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock overrides the time source used for defaults and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// WithIDGenerator overrides primary key generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Planner) { p.newID = fn }
}

// New creates a planner that parses nested unique inputs with args.
func New(args *query.Parser, opts ...Option) *Planner {
	p := &Planner{
		reg:   args.Registry(),
		args:  args,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var byPrimaryKey = []rowset.OrderTerm{{Field: schema.PrimaryKey, Direction: rowset.Asc}}

func (p *Planner) fetch(ctx context.Context, st store.Store, entity *schema.Entity, id any) (value.Row, error) {
	return p.first(ctx, st, entity, filter.Eq(schema.PrimaryKey, id))
}

func (p *Planner) first(ctx context.Context, st store.Store, entity *schema.Entity, where filter.Expr) (value.Row, error) {
	limit := 1
	rows, err := st.Select(ctx, store.Query{Entity: entity, Where: where, Limit: &limit})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (p *Planner) findUnique(ctx context.Context, st store.Store, entity *schema.Entity, uw *query.UniqueWhere) (value.Row, error) {
	return p.first(ctx, st, entity, uw.Expr)
}

// ordered returns rows matching where in ascending primary key order, at most limit rows.
func (p *Planner) ordered(ctx context.Context, st store.Store, entity *schema.Entity, where filter.Expr, limit *int) ([]value.Row, error) {
	if limit != nil && *limit < 0 {
		return nil, queryerr.Validation(entity.Name, "limit must be a non-negative integer")
	}
	return st.Select(ctx, store.Query{Entity: entity, Where: where, OrderBy: byPrimaryKey, Limit: limit})
}
