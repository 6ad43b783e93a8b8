// Package memstore is an in-process store. It evaluates filter expressions directly,
// enforces primary key, unique and restrict foreign key constraints, and serializes
// transactions under a write lock with copy-on-write rollback.
package memstore

import (
	"context"
	"log/slog"
	"sync"

	"pmquery/internal/filter"
	"pmquery/internal/queryerr"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

type table struct {
	rows  map[string]value.Row
	order []string
}

type data struct {
	reg    *schema.Registry
	tables map[string]*table
}

func newData(reg *schema.Registry) *data {
	d := &data{reg: reg, tables: map[string]*table{}}
	for _, e := range reg.Entities() {
		d.tables[e.Name] = &table{rows: map[string]value.Row{}}
	}
	return d
}

// clone copies table indexes. Stored rows are never modified in place, so they are shared.
func (d *data) clone() *data {
	out := &data{reg: d.reg, tables: make(map[string]*table, len(d.tables))}
	for name, t := range d.tables {
		rows := make(map[string]value.Row, len(t.rows))
		for k, r := range t.rows {
			rows[k] = r
		}
		out.tables[name] = &table{rows: rows, order: append([]string(nil), t.order...)}
	}
	return out
}

// Store is the in-memory store.
type Store struct {
	mu     sync.RWMutex
	data   *data
	reg    *schema.Registry
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for transaction events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an empty store with one table per registry entity.
func New(reg *schema.Registry, opts ...Option) *Store {
	s := &Store{data: newData(reg), reg: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Select(ctx context.Context, q store.Query) ([]value.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.selectRows(q), nil
}

func (s *Store) Insert(ctx context.Context, entity *schema.Entity, row value.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insert(entity, row)
}

func (s *Store) Update(ctx context.Context, entity *schema.Entity, id any, set value.Row) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.update(entity, id, set)
}

func (s *Store) Delete(ctx context.Context, entity *schema.Entity, id any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.remove(entity, id)
}

// InTx holds the write lock for the whole transaction. fn works on a private copy that
// replaces the live data only when fn succeeds and ctx is still live.
func (s *Store) InTx(ctx context.Context, _ store.TxOptions, fn func(ctx context.Context, tx store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txStore{data: s.data.clone()}
	if err := fn(ctx, tx); err != nil {
		s.logger.Debug("memstore transaction rolled back", slog.String("error", err.Error()))
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

type txStore struct {
	data *data
}

func (t *txStore) Select(ctx context.Context, q store.Query) ([]value.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.data.selectRows(q), nil
}

func (t *txStore) Insert(ctx context.Context, entity *schema.Entity, row value.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.data.insert(entity, row)
}

func (t *txStore) Update(ctx context.Context, entity *schema.Entity, id any, set value.Row) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return t.data.update(entity, id, set)
}

func (t *txStore) Delete(ctx context.Context, entity *schema.Entity, id any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return t.data.remove(entity, id)
}

func (t *txStore) InTx(ctx context.Context, _ store.TxOptions, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, t)
}

// Related implements filter.Source over the stored rows.
func (d *data) Related(rel *schema.Relation, row value.Row) []value.Row {
	target := d.tables[rel.Target]
	if target == nil {
		return nil
	}
	if rel.Cardinality == schema.One {
		fk := row[rel.FKField]
		if fk == nil {
			return nil
		}
		if r, ok := target.rows[value.Key(fk)]; ok {
			return []value.Row{r}
		}
		return nil
	}
	id := row[schema.PrimaryKey]
	if id == nil {
		return nil
	}
	var out []value.Row
	for _, key := range target.order {
		r := target.rows[key]
		if value.Equal(r[rel.FKField], id) {
			out = append(out, r)
		}
	}
	return out
}

func (d *data) selectRows(q store.Query) []value.Row {
	t := d.tables[q.Entity.Name]
	out := make([]value.Row, 0)
	for _, key := range t.order {
		r := t.rows[key]
		if filter.Eval(q.Where, r, d) {
			out = append(out, r)
		}
	}
	if len(q.OrderBy) > 0 {
		rowset.Sort(out, q.OrderBy, d)
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			out = out[:0]
		} else {
			out = out[q.Offset:]
		}
	}
	if q.Limit != nil && *q.Limit >= 0 && *q.Limit < len(out) {
		out = out[:*q.Limit]
	}
	result := make([]value.Row, len(out))
	for i, r := range out {
		result[i] = r.Clone()
	}
	return result
}

func (d *data) insert(entity *schema.Entity, row value.Row) error {
	t := d.tables[entity.Name]
	stored := make(value.Row, len(entity.Fields))
	for _, f := range entity.Fields {
		stored[f.Name] = row[f.Name]
	}
	id := stored[schema.PrimaryKey]
	if id == nil {
		return queryerr.Validation(entity.Name, "primary key is required")
	}
	key := value.Key(id)
	if _, exists := t.rows[key]; exists {
		return queryerr.UniqueViolation(entity.Name, []string{schema.PrimaryKey}, queryerr.OriginStorage)
	}
	if err := d.checkUniques(entity, stored, ""); err != nil {
		return err
	}
	if err := d.checkForeignKeys(entity, stored, nil); err != nil {
		return err
	}
	t.rows[key] = stored
	t.order = append(t.order, key)
	return nil
}

func (d *data) update(entity *schema.Entity, id any, set value.Row) (bool, error) {
	t := d.tables[entity.Name]
	key := value.Key(id)
	current, ok := t.rows[key]
	if !ok {
		return false, nil
	}
	merged := current.Clone()
	changed := map[string]bool{}
	for name, v := range set {
		if _, isField := entity.Field(name); !isField {
			continue
		}
		merged[name] = v
		changed[name] = true
	}

	newKey := key
	if changed[schema.PrimaryKey] && !value.Equal(merged[schema.PrimaryKey], id) {
		if merged[schema.PrimaryKey] == nil {
			return false, queryerr.Validation(entity.Name, "primary key cannot be null")
		}
		newKey = value.Key(merged[schema.PrimaryKey])
		if _, taken := t.rows[newKey]; taken {
			return false, queryerr.UniqueViolation(entity.Name, []string{schema.PrimaryKey}, queryerr.OriginStorage)
		}
		if dep := d.firstDependent(entity, id); dep != "" {
			return false, queryerr.ForeignKey(entity.Name, schema.PrimaryKey, "primary key is referenced by "+dep, queryerr.OriginStorage)
		}
	}
	if err := d.checkUniques(entity, merged, key); err != nil {
		return false, err
	}
	if err := d.checkForeignKeys(entity, merged, changed); err != nil {
		return false, err
	}

	if newKey != key {
		delete(t.rows, key)
		for i, k := range t.order {
			if k == key {
				t.order[i] = newKey
				break
			}
		}
	}
	t.rows[newKey] = merged
	return true, nil
}

func (d *data) remove(entity *schema.Entity, id any) (bool, error) {
	t := d.tables[entity.Name]
	key := value.Key(id)
	if _, ok := t.rows[key]; !ok {
		return false, nil
	}
	if dep := d.firstDependent(entity, id); dep != "" {
		return false, queryerr.ForeignKey(entity.Name, "", "row is still referenced by "+dep, queryerr.OriginStorage)
	}
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (d *data) firstDependent(entity *schema.Entity, id any) string {
	for _, dep := range d.reg.Dependents(entity.Name) {
		t := d.tables[dep.Entity.Name]
		for _, key := range t.order {
			if value.Equal(t.rows[key][dep.Relation.FKField], id) {
				return dep.Entity.Name + "." + dep.Relation.Name
			}
		}
	}
	return ""
}

// checkUniques scans for another row with the same non-null values on any unique key.
// selfKey excludes the row being updated.
func (d *data) checkUniques(entity *schema.Entity, row value.Row, selfKey string) error {
	t := d.tables[entity.Name]
	for _, u := range entity.Uniques {
		if len(u.Fields) == 1 && u.Fields[0] == schema.PrimaryKey {
			continue
		}
		values := make([]any, len(u.Fields))
		complete := true
		for i, f := range u.Fields {
			values[i] = row[f]
			if values[i] == nil {
				complete = false
			}
		}
		if !complete {
			continue
		}
		want := value.Key(values...)
		for key, other := range t.rows {
			if key == selfKey {
				continue
			}
			otherValues := make([]any, len(u.Fields))
			for i, f := range u.Fields {
				otherValues[i] = other[f]
			}
			if value.Key(otherValues...) == want {
				return queryerr.UniqueViolation(entity.Name, u.Fields, queryerr.OriginStorage)
			}
		}
	}
	return nil
}

// checkForeignKeys verifies owning relations; only changed fields are checked when changed
// is non-nil.
func (d *data) checkForeignKeys(entity *schema.Entity, row value.Row, changed map[string]bool) error {
	for _, rel := range entity.Relations {
		if !rel.Owning {
			continue
		}
		if changed != nil && !changed[rel.FKField] {
			continue
		}
		fk := row[rel.FKField]
		if fk == nil {
			if !rel.Nullable {
				return queryerr.Validation(entity.Name, "%s is required", rel.FKField)
			}
			continue
		}
		if _, ok := d.tables[rel.Target].rows[value.Key(fk)]; !ok {
			return queryerr.ForeignKey(entity.Name, rel.FKField, "referenced "+rel.Target+" does not exist", queryerr.OriginStorage)
		}
	}
	return nil
}
