// Package store defines the storage collaborator the engine reads from and writes to.
package store

import (
	"context"
	"errors"

	"pmquery/internal/filter"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

// Query is a read request. Where is evaluated by the store; OrderBy, Limit and Offset are
// applied when set. Rows always carry every scalar field of the entity.
type Query struct {
	Entity  *schema.Entity
	Where   filter.Expr
	OrderBy []rowset.OrderTerm
	Limit   *int
	Offset  int
}

// ErrConflict marks a transaction aborted by a concurrent writer (a serialization failure or
// deadlock). The transaction may succeed when retried.
var ErrConflict = errors.New("transaction conflict")

// TxOptions configures a transaction.
type TxOptions struct {
	// Serializable requests serializable isolation where the backend supports it.
	Serializable bool
}

// Store is the storage collaborator. Implementations enforce primary key, unique and foreign
// key constraints and report violations as queryerr errors with the storage origin.
type Store interface {
	// Select returns fresh row maps that the caller may modify.
	Select(ctx context.Context, q Query) ([]value.Row, error)
	Insert(ctx context.Context, entity *schema.Entity, row value.Row) error
	// Update applies set to the row with the given primary key and reports whether it existed.
	Update(ctx context.Context, entity *schema.Entity, id any, set value.Row) (bool, error)
	// Delete removes the row with the given primary key and reports whether it existed.
	Delete(ctx context.Context, entity *schema.Entity, id any) (bool, error)
	// InTx runs fn inside one transaction. Calling InTx on a transactional store joins the
	// enclosing transaction.
	InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Store) error) error
}
