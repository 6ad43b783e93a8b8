package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pmquery/internal/mutation"
	"pmquery/internal/observability"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/store/memstore"
	"pmquery/internal/value"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, opts ...Option) (*Engine, *memstore.Store) {
	t.Helper()
	reg := schema.Default()
	st := memstore.New(reg)
	var seq atomic.Int64
	opts = append(opts, WithMutationOptions(
		mutation.WithClock(func() time.Time { return fixedNow }),
		mutation.WithIDGenerator(func() string { return fmt.Sprintf("gen-%d", seq.Add(1)) }),
	))
	e := New(reg, st, opts...)
	seed(t, e)
	return e, st
}

func seed(t *testing.T, e *Engine) {
	t.Helper()
	for _, req := range []Request{
		{Model: schema.User, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "u1", "email": "ada@example.com", "passwordHash": "x", "name": "Ada"}}},
		{Model: schema.User, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "u2", "email": "bob@example.com", "passwordHash": "x", "name": "Bob"}}},
		{Model: schema.Workspace, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "w1", "name": "Acme", "slug": "acme", "ownerId": "u1"}}},
		{Model: schema.Project, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "p1", "name": "Apollo", "workspaceId": "w1", "teamLeadId": "u1", "status": "ACTIVE"}}},
		{Model: schema.Project, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "p2", "name": "Gemini", "workspaceId": "w1", "teamLeadId": "u2", "status": "ON_HOLD"}}},
		{Model: schema.Project, Operation: "create", Args: map[string]any{"data": map[string]any{"id": "p3", "name": "Mercury", "workspaceId": "w1", "teamLeadId": "u2", "status": "COMPLETED"}}},
	} {
		_, err := e.Execute(context.Background(), req)
		require.NoError(t, err, "%s.%s", req.Model, req.Operation)
	}
}

func exec(t *testing.T, e *Engine, model, op string, args map[string]any) any {
	t.Helper()
	out, err := e.Execute(context.Background(), Request{Model: model, Operation: op, Args: args})
	require.NoError(t, err)
	return out
}

func TestCreateThenFindUniqueRoundTrip(t *testing.T) {
	e, _ := newEngine(t)

	created := exec(t, e, schema.Task, "create", map[string]any{
		"data": map[string]any{"title": "Write docs", "projectId": "p1", "reporterId": "u1"},
	}).(map[string]any)
	assert.Equal(t, "TODO", created["status"])
	assert.Equal(t, fixedNow, created["createdAt"])
	assert.NotContains(t, created, "project")

	found := exec(t, e, schema.Task, "findUnique", map[string]any{
		"where": map[string]any{"id": created["id"]},
	}).(map[string]any)
	assert.Equal(t, created, found)
	assert.NotContains(t, found, "reporter")
}

func TestFindUniqueMissingReturnsNil(t *testing.T) {
	e, _ := newEngine(t)

	out, err := e.Execute(context.Background(), Request{Model: schema.User, Operation: "findUnique", Args: map[string]any{
		"where": map[string]any{"email": "nobody@example.com"},
	}})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = e.Execute(context.Background(), Request{Model: schema.User, Operation: "findUniqueOrThrow", Args: map[string]any{
		"where": map[string]any{"email": "nobody@example.com"},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrRecordNotFound))
}

func TestFindUniqueRequiresUniqueKey(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Execute(context.Background(), Request{Model: schema.User, Operation: "findUnique", Args: map[string]any{
		"where": map[string]any{"name": "Ada"},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrValidation))
}

func TestUnassignedTaskIncludesNullAssignee(t *testing.T) {
	e, _ := newEngine(t)
	exec(t, e, schema.Task, "create", map[string]any{
		"data": map[string]any{"id": "t1", "title": "Triage", "projectId": "p1", "reporterId": "u2"},
	})

	task := exec(t, e, schema.Task, "findUnique", map[string]any{
		"where":   map[string]any{"id": "t1"},
		"include": map[string]any{"assignee": true, "reporter": true},
	}).(map[string]any)

	require.Contains(t, task, "assignee")
	assert.Nil(t, task["assignee"])
	reporter, ok := task["reporter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Bob", reporter["name"])
}

func TestEnumInFilterAndOutOfRangeValue(t *testing.T) {
	e, _ := newEngine(t)

	rows := exec(t, e, schema.Project, "findMany", map[string]any{
		"where":   map[string]any{"status": map[string]any{"in": []any{"ACTIVE", "ON_HOLD"}}},
		"orderBy": map[string]any{"name": "asc"},
		"select":  map[string]any{"name": true},
	}).([]map[string]any)
	assert.Equal(t, []map[string]any{{"name": "Apollo"}, {"name": "Gemini"}}, rows)

	_, err := e.Execute(context.Background(), Request{Model: schema.Project, Operation: "findMany", Args: map[string]any{
		"where": map[string]any{"status": map[string]any{"in": []any{"ACTIVE", "ARCHIVED"}}},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrTypeMismatch))
}

func TestFindFirstTake(t *testing.T) {
	e, _ := newEngine(t)

	first := exec(t, e, schema.Project, "findFirst", map[string]any{
		"orderBy": map[string]any{"name": "asc"},
		"take":    5,
	}).(map[string]any)
	assert.Equal(t, "Apollo", first["name"])

	last := exec(t, e, schema.Project, "findFirst", map[string]any{
		"orderBy": map[string]any{"name": "asc"},
		"take":    -3,
	}).(map[string]any)
	assert.Equal(t, "Mercury", last["name"])

	none, err := e.Execute(context.Background(), Request{Model: schema.Project, Operation: "findFirstOrThrow", Args: map[string]any{
		"where": map[string]any{"name": "Voyager"},
	}})
	assert.Nil(t, none)
	assert.True(t, errors.Is(err, queryerr.ErrRecordNotFound))
}

func TestDuplicateWorkspaceMember(t *testing.T) {
	e, _ := newEngine(t)
	member := map[string]any{"data": map[string]any{"workspaceId": "w1", "userId": "u2"}}
	exec(t, e, schema.WorkspaceMember, "create", member)

	_, err := e.Execute(context.Background(), Request{Model: schema.WorkspaceMember, Operation: "create", Args: member})
	require.Error(t, err)
	assert.True(t, errors.Is(err, queryerr.ErrUniqueConstraint))

	count := exec(t, e, schema.WorkspaceMember, "count", nil)
	assert.Equal(t, int64(1), count)
}

func TestCreateManyRollsBackWholeBatch(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Execute(context.Background(), Request{Model: schema.WorkspaceMember, Operation: "createMany", Args: map[string]any{
		"data": []any{
			map[string]any{"workspaceId": "w1", "userId": "u1"},
			map[string]any{"workspaceId": "w1", "userId": "u1"},
		},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrUniqueConstraint))
	assert.Equal(t, int64(0), exec(t, e, schema.WorkspaceMember, "count", nil))

	out := exec(t, e, schema.WorkspaceMember, "createMany", map[string]any{
		"data": []any{
			map[string]any{"workspaceId": "w1", "userId": "u1"},
			map[string]any{"workspaceId": "w1", "userId": "u1"},
			map[string]any{"workspaceId": "w1", "userId": "u2"},
		},
		"skipDuplicates": true,
	})
	assert.Equal(t, BatchResult{Count: 2}, out)
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	e, _ := newEngine(t)
	args := map[string]any{
		"where":  map[string]any{"workspaceId_userId": map[string]any{"workspaceId": "w1", "userId": "u2"}},
		"create": map[string]any{"workspaceId": "w1", "userId": "u2", "role": "MEMBER"},
		"update": map[string]any{"role": "ADMIN"},
	}

	first := exec(t, e, schema.WorkspaceMember, "upsert", args).(map[string]any)
	assert.Equal(t, "MEMBER", first["role"])
	second := exec(t, e, schema.WorkspaceMember, "upsert", args).(map[string]any)
	assert.Equal(t, "ADMIN", second["role"])
	assert.Equal(t, first["id"], second["id"])
}

func TestConcurrentUpsertCreatesOnce(t *testing.T) {
	e, _ := newEngine(t)
	m, err := e.Model(schema.User)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Upsert(context.Background(), map[string]any{
				"where":  map[string]any{"email": "eve@example.com"},
				"create": map[string]any{"email": "eve@example.com", "passwordHash": "x", "name": "Eve"},
				"update": map[string]any{"name": fmt.Sprintf("Eve %d", i)},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	users, err := m.FindMany(context.Background(), map[string]any{"where": map[string]any{"email": "eve@example.com"}})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "Eve", users[0]["name"], "all but the first upsert must take the update path")
}

type racingStore struct {
	store.Store
	failures int
}

func (r *racingStore) InTx(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, tx store.Store) error) error {
	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("commit: %w", store.ErrConflict)
	}
	return r.Store.InTx(ctx, opts, fn)
}

func TestUpsertRetriesOnConflict(t *testing.T) {
	reg := schema.Default()
	racing := &racingStore{Store: memstore.New(reg)}
	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewEngineMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	e := New(reg, racing, WithMetrics(metrics))

	args := map[string]any{
		"where":  map[string]any{"email": "eve@example.com"},
		"create": map[string]any{"email": "eve@example.com", "passwordHash": "x", "name": "Eve"},
		"update": map[string]any{"name": "Eve"},
	}

	racing.failures = 1
	_, err = e.Execute(context.Background(), Request{Model: schema.User, Operation: "upsert", Args: args})
	require.NoError(t, err)

	racing.failures = 2
	_, err = e.Execute(context.Background(), Request{Model: schema.User, Operation: "upsert", Args: args})
	assert.True(t, errors.Is(err, store.ErrConflict))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var retries int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "pmquery.transaction.retries" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				retries += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), retries)
}

func TestUpdateAndDeleteNotFound(t *testing.T) {
	e, _ := newEngine(t)
	for _, op := range []string{"update", "delete"} {
		args := map[string]any{"where": map[string]any{"id": "missing"}}
		if op == "update" {
			args["data"] = map[string]any{"name": "x"}
		}
		_, err := e.Execute(context.Background(), Request{Model: schema.Project, Operation: op, Args: args})
		assert.True(t, errors.Is(err, queryerr.ErrRecordNotFound), op)
	}
}

func TestDeleteReturnsIncludedRelations(t *testing.T) {
	e, _ := newEngine(t)
	exec(t, e, schema.Task, "create", map[string]any{
		"data": map[string]any{"id": "t1", "title": "Triage", "projectId": "p3", "reporterId": "u2"},
	})

	deleted := exec(t, e, schema.Task, "delete", map[string]any{
		"where":   map[string]any{"id": "t1"},
		"include": map[string]any{"project": true},
	}).(map[string]any)
	project, ok := deleted["project"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Mercury", project["name"])

	out, err := e.Execute(context.Background(), Request{Model: schema.Task, Operation: "findUnique", Args: map[string]any{"where": map[string]any{"id": "t1"}}})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestBatchMutationsReturnCount(t *testing.T) {
	e, _ := newEngine(t)

	out := exec(t, e, schema.Project, "updateMany", map[string]any{
		"where": map[string]any{"teamLeadId": "u2"},
		"data":  map[string]any{"progress": map[string]any{"increment": 10}},
		"limit": 1,
	})
	assert.Equal(t, BatchResult{Count: 1}, out)

	p2 := exec(t, e, schema.Project, "findUnique", map[string]any{"where": map[string]any{"id": "p2"}}).(map[string]any)
	progress, ok := value.AsInt(p2["progress"])
	require.True(t, ok)
	assert.Equal(t, 10, progress)

	out = exec(t, e, schema.Project, "deleteMany", map[string]any{"where": map[string]any{"status": "COMPLETED"}})
	assert.Equal(t, BatchResult{Count: 1}, out)
}

func TestGroupByValidationBeforeStorage(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Execute(context.Background(), Request{Model: schema.Project, Operation: "groupBy", Args: map[string]any{
		"by": []any{},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrValidation))

	_, err = e.Execute(context.Background(), Request{Model: schema.Project, Operation: "groupBy", Args: map[string]any{
		"by":     []any{"status"},
		"having": map[string]any{"name": "Apollo"},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrValidation))

	groups := exec(t, e, schema.Project, "groupBy", map[string]any{
		"by":      []any{"teamLeadId"},
		"_count":  map[string]any{"_all": true},
		"orderBy": map[string]any{"teamLeadId": "asc"},
	}).([]map[string]any)
	require.Len(t, groups, 2)
	assert.Equal(t, "u1", groups[0]["teamLeadId"])
	assert.Equal(t, map[string]any{"_all": int64(1)}, groups[0]["_count"])
	assert.Equal(t, map[string]any{"_all": int64(2)}, groups[1]["_count"])
}

// countingStore counts every call that reaches storage.
type countingStore struct {
	store.Store
	calls atomic.Int64
}

func (c *countingStore) Select(ctx context.Context, q store.Query) ([]value.Row, error) {
	c.calls.Add(1)
	return c.Store.Select(ctx, q)
}

func (c *countingStore) Insert(ctx context.Context, entity *schema.Entity, row value.Row) error {
	c.calls.Add(1)
	return c.Store.Insert(ctx, entity, row)
}

func (c *countingStore) InTx(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, tx store.Store) error) error {
	c.calls.Add(1)
	return c.Store.InTx(ctx, opts, fn)
}

func TestMutationShapeErrorsBeforeStorage(t *testing.T) {
	reg := schema.Default()
	counting := &countingStore{Store: memstore.New(reg)}
	e := New(reg, counting)

	connect := func(id string) map[string]any {
		return map[string]any{"connect": map[string]any{"id": id}}
	}
	tests := []struct {
		name  string
		model string
		op    string
		args  map[string]any
		kind  error
	}{
		{"missing required field after connects", schema.Task, "create", map[string]any{
			"data": map[string]any{"project": connect("p1"), "reporter": connect("u1")},
		}, queryerr.ErrValidation},
		{"enum outside variants", schema.Task, "create", map[string]any{
			"data": map[string]any{"title": "t", "status": "SHIPPED", "project": connect("p1"), "reporterId": "u1"},
		}, queryerr.ErrValidation},
		{"nested to-one create missing field", schema.Task, "create", map[string]any{
			"data": map[string]any{"title": "t", "projectId": "p1", "reporter": map[string]any{
				"create": map[string]any{"email": "eve@example.com", "passwordHash": "x"},
			}},
		}, queryerr.ErrValidation},
		{"nested to-many create missing field", schema.Project, "update", map[string]any{
			"where": map[string]any{"id": "p1"},
			"data": map[string]any{"tasks": map[string]any{
				"create": []any{map[string]any{"reporterId": "u1"}},
			}},
		}, queryerr.ErrValidation},
		{"nested createMany with relations", schema.Project, "update", map[string]any{
			"where": map[string]any{"id": "p1"},
			"data": map[string]any{"tasks": map[string]any{"createMany": map[string]any{
				"data": []any{map[string]any{"title": "t", "reporter": connect("u1")}},
			}}},
		}, queryerr.ErrValidation},
		{"arithmetic on a date", schema.Task, "update", map[string]any{
			"where": map[string]any{"id": "t1"},
			"data":  map[string]any{"dueDate": map[string]any{"increment": 1}},
		}, queryerr.ErrValidation},
		{"required relation disconnect", schema.Task, "update", map[string]any{
			"where": map[string]any{"id": "t1"},
			"data":  map[string]any{"reporter": map[string]any{"disconnect": true}},
		}, queryerr.ErrValidation},
		{"updateMany with relation", schema.Task, "updateMany", map[string]any{
			"data": map[string]any{"assignee": connect("u1")},
		}, queryerr.ErrValidation},
		{"createMany item missing field", schema.WorkspaceMember, "createMany", map[string]any{
			"data": []any{map[string]any{"workspaceId": "w1"}},
		}, queryerr.ErrValidation},
		{"upsert create branch incomplete", schema.Task, "upsert", map[string]any{
			"where":  map[string]any{"id": "t1"},
			"create": map[string]any{"title": "t"},
			"update": map[string]any{"title": "t"},
		}, queryerr.ErrValidation},
		{"unknown nested field", schema.Task, "create", map[string]any{
			"data": map[string]any{"title": "t", "projectId": "p1", "reporterId": "u1", "labels": connect("l1")},
		}, queryerr.ErrUnknownField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counting.calls.Store(0)
			_, err := e.Execute(context.Background(), Request{Model: tt.model, Operation: tt.op, Args: tt.args})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.Zero(t, counting.calls.Load(), "storage calls before the error")
		})
	}

	// Well-formed data still reaches storage and fails there.
	counting.calls.Store(0)
	_, err := e.Execute(context.Background(), Request{Model: schema.Task, Operation: "create", Args: map[string]any{
		"data": map[string]any{"title": "t", "project": connect("p1"), "reporter": connect("u1")},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrRecordNotFound), "got %v", err)
	assert.NotZero(t, counting.calls.Load())
}

func TestUnknownModelAndOperation(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Execute(context.Background(), Request{Model: "Invoice", Operation: "findMany"})
	assert.True(t, errors.Is(err, queryerr.ErrUnknownEntity))

	_, err = e.Execute(context.Background(), Request{Model: schema.Task, Operation: "truncate"})
	assert.True(t, errors.Is(err, queryerr.ErrValidation))

	_, err = e.Execute(context.Background(), Request{Model: schema.Task, Operation: "findMany", Args: map[string]any{"limit": 3}})
	assert.True(t, errors.Is(err, queryerr.ErrValidation))
}

func TestSpansRecordOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	e, _ := newEngine(t, WithTracerProvider(tp))
	_, _ = e.Execute(context.Background(), Request{Model: schema.User, Operation: "findUniqueOrThrow", Args: map[string]any{
		"where": map[string]any{"id": "nobody"},
	}})

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	last := spans[len(spans)-1]
	assert.Equal(t, "pmquery.User.findUniqueOrThrow", last.Name())
	var kind string
	for _, kv := range last.Attributes() {
		if kv.Key == "pmquery.error_kind" {
			kind = kv.Value.AsString()
		}
	}
	assert.Equal(t, string(queryerr.KindRecordNotFound), kind)
}
