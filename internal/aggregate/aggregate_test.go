package aggregate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmquery/internal/loader"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/store/memstore"
	"pmquery/internal/value"
)

// untouchable fails the test if validation lets a request reach storage.
type untouchable struct {
	store.Store
	t *testing.T
}

func (u untouchable) Select(context.Context, store.Query) ([]value.Row, error) {
	u.t.Fatal("storage was called")
	return nil, nil
}

func setup(t *testing.T) (*Engine, store.Store, *schema.Registry) {
	t.Helper()
	reg := schema.Default()
	st := memstore.New(reg)
	ctx := context.Background()
	insert := func(entity string, row value.Row) {
		require.NoError(t, st.Insert(ctx, reg.MustEntity(entity), row))
	}
	insert(schema.User, value.Row{"id": "u1", "email": "ada@example.com", "name": "Ada"})
	insert(schema.Workspace, value.Row{"id": "w1", "slug": "acme", "name": "Acme", "ownerId": "u1"})
	projects := []value.Row{
		{"id": "p1", "name": "A", "status": "ACTIVE", "priority": "HIGH", "progress": int64(10), "description": "x"},
		{"id": "p2", "name": "B", "status": "ACTIVE", "priority": "LOW", "progress": int64(30)},
		{"id": "p3", "name": "C", "status": "PLANNING", "priority": "HIGH", "progress": int64(0)},
		{"id": "p4", "name": "D", "status": "ON_HOLD", "priority": "HIGH", "progress": int64(90), "description": "y"},
		{"id": "p5", "name": "E", "status": "ACTIVE", "priority": "URGENT", "progress": int64(50)},
	}
	for _, p := range projects {
		p["workspaceId"] = "w1"
		p["teamLeadId"] = "u1"
		insert(schema.Project, p)
	}
	q := query.NewParser(reg, query.DefaultLimits())
	return New(q, loader.New(reg)), st, reg
}

func TestAggregate(t *testing.T) {
	e, st, reg := setup(t)
	project := reg.MustEntity(schema.Project)

	got, err := e.Aggregate(context.Background(), st, project, map[string]any{
		"where":  map[string]any{"status": "ACTIVE"},
		"_count": true,
		"_avg":   map[string]any{"progress": true},
		"_sum":   map[string]any{"progress": true},
		"_min":   map[string]any{"name": true},
		"_max":   map[string]any{"progress": true, "priority": true},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"_count": int64(3),
		"_avg":   map[string]any{"progress": 30.0},
		"_sum":   map[string]any{"progress": int64(90)},
		"_min":   map[string]any{"name": "A"},
		"_max":   map[string]any{"progress": int64(50), "priority": "URGENT"},
	}, got)

	got, err = e.Aggregate(context.Background(), st, project, map[string]any{
		"orderBy": map[string]any{"progress": "desc"},
		"take":    2,
		"_sum":    map[string]any{"progress": true},
		"_count":  map[string]any{"_all": true, "description": true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(140), got["_sum"].(map[string]any)["progress"], "take applies before folding")
	assert.Equal(t, map[string]any{"_all": int64(2), "description": int64(1)}, got["_count"])

	got, err = e.Aggregate(context.Background(), st, project, map[string]any{
		"where": map[string]any{"status": "CANCELLED"},
		"_avg":  map[string]any{"progress": true},
	})
	require.NoError(t, err)
	assert.Nil(t, got["_avg"].(map[string]any)["progress"])
}

func TestAggregateValidation(t *testing.T) {
	e, _, reg := setup(t)
	project := reg.MustEntity(schema.Project)
	guard := untouchable{t: t}

	tests := []struct {
		name string
		args map[string]any
		kind error
	}{
		{"nothing selected", map[string]any{}, queryerr.ErrValidation},
		{"avg on string", map[string]any{"_avg": map[string]any{"name": true}}, queryerr.ErrValidation},
		{"unknown field", map[string]any{"_max": map[string]any{"colour": true}}, queryerr.ErrUnknownField},
		{"unknown argument", map[string]any{"_count": true, "by": []any{"status"}}, queryerr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Aggregate(context.Background(), guard, project, tt.args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestGroupBy(t *testing.T) {
	e, st, reg := setup(t)
	project := reg.MustEntity(schema.Project)

	got, err := e.GroupBy(context.Background(), st, project, map[string]any{
		"by":     []any{"status"},
		"_count": map[string]any{"_all": true},
		"_avg":   map[string]any{"progress": true},
		"having": map[string]any{"progress": map[string]any{"_avg": map[string]any{"gt": 20}}},
		"orderBy": []any{
			map[string]any{"_avg": map[string]any{"progress": "desc"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"status": "ON_HOLD", "_count": map[string]any{"_all": int64(1)}, "_avg": map[string]any{"progress": 90.0}},
		{"status": "ACTIVE", "_count": map[string]any{"_all": int64(3)}, "_avg": map[string]any{"progress": 30.0}},
	}, got)

	got, err = e.GroupBy(context.Background(), st, project, map[string]any{
		"by":      "priority",
		"where":   map[string]any{"progress": map[string]any{"gte": 10}},
		"having":  map[string]any{"priority": map[string]any{"in": []any{"HIGH", "URGENT"}}},
		"orderBy": map[string]any{"priority": "asc"},
		"take":    1,
		"_count":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"priority": "HIGH", "_count": int64(2)}}, got)
}

func TestGroupByValidationBeforeStorage(t *testing.T) {
	e, _, reg := setup(t)
	project := reg.MustEntity(schema.Project)
	guard := untouchable{t: t}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"empty by", map[string]any{"by": []any{}}},
		{"missing by", map[string]any{"_count": true}},
		{"having on non-grouped field", map[string]any{"by": []any{"status"}, "having": map[string]any{"progress": map[string]any{"gt": 1}}}},
		{"orderBy outside by", map[string]any{"by": []any{"status"}, "orderBy": map[string]any{"name": "asc"}}},
		{"take without orderBy", map[string]any{"by": []any{"status"}, "take": 1}},
		{"mixed having", map[string]any{"by": []any{"status"}, "having": map[string]any{"status": map[string]any{"_count": map[string]any{"gt": 1}, "equals": "ACTIVE"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.GroupBy(context.Background(), guard, project, tt.args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, queryerr.ErrValidation), "got %v", err)
		})
	}
}

func TestHavingAggregatesFieldsOutsideBy(t *testing.T) {
	e, st, reg := setup(t)
	project := reg.MustEntity(schema.Project)

	// progress is not grouped and not selected; its average still filters groups.
	got, err := e.GroupBy(context.Background(), st, project, map[string]any{
		"by":     []any{"status"},
		"_count": true,
		"having": map[string]any{"progress": map[string]any{"_avg": map[string]any{"gt": 3}}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []map[string]any{
		{"status": "ACTIVE", "_count": int64(3)},
		{"status": "ON_HOLD", "_count": int64(1)},
	}, got)

	_, err = e.GroupBy(context.Background(), untouchable{t: t}, project, map[string]any{
		"by":     []any{"status"},
		"having": map[string]any{"progress": map[string]any{"gt": 3}},
	})
	assert.True(t, errors.Is(err, queryerr.ErrValidation), "got %v", err)
}

func TestCount(t *testing.T) {
	e, st, reg := setup(t)
	project := reg.MustEntity(schema.Project)

	n, err := e.Count(context.Background(), st, project, map[string]any{"where": map[string]any{"priority": "HIGH"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	fields, err := e.Count(context.Background(), st, project, map[string]any{"select": map[string]any{"_all": true, "description": true}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"_all": int64(5), "description": int64(2)}, fields)
}
