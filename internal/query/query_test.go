package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
)

func newParser() *Parser {
	return NewParser(schema.Default(), DefaultLimits())
}

func TestUniqueWhere(t *testing.T) {
	p := newParser()
	reg := p.Registry()

	uw, err := p.UniqueWhere(reg.MustEntity(schema.User), map[string]any{"email": "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "email", uw.Constraint.Name)
	assert.Equal(t, map[string]any{"email": "ada@example.com"}, uw.Values)

	uw, err = p.UniqueWhere(reg.MustEntity(schema.WorkspaceMember), map[string]any{
		"workspaceId_userId": map[string]any{"workspaceId": "w1", "userId": "u1"},
		"role":               "ADMIN",
	})
	require.NoError(t, err)
	assert.Equal(t, "workspaceId_userId", uw.Constraint.Name)
	assert.Equal(t, map[string]any{"workspaceId": "w1", "userId": "u1"}, uw.Values)
	assert.NotNil(t, uw.Expr)

	uw, err = p.UniqueWhere(reg.MustEntity(schema.Task), map[string]any{"id": "t1", "status": "DONE"})
	require.NoError(t, err)
	assert.Equal(t, "id", uw.Constraint.Name)
}

func TestUniqueWhereErrors(t *testing.T) {
	p := newParser()
	reg := p.Registry()

	tests := []struct {
		name   string
		entity string
		raw    any
		kind   error
	}{
		{"no unique key", schema.Task, map[string]any{"status": "DONE"}, queryerr.ErrValidation},
		{"null key", schema.User, map[string]any{"email": nil}, queryerr.ErrValidation},
		{"partial compound", schema.ProjectMember, map[string]any{"projectId_userId": map[string]any{"projectId": "p1"}}, queryerr.ErrValidation},
		{"compound extra field", schema.ProjectMember, map[string]any{"projectId_userId": map[string]any{"projectId": "p1", "userId": "u", "role": "LEAD"}}, queryerr.ErrValidation},
		{"wrong kind", schema.Task, map[string]any{"id": 12}, queryerr.ErrTypeMismatch},
		{"unknown extra", schema.Task, map[string]any{"id": "t1", "colour": "red"}, queryerr.ErrUnknownField},
		{"not an object", schema.Task, "t1", queryerr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.UniqueWhere(reg.MustEntity(tt.entity), tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestFindArgs(t *testing.T) {
	p := newParser()
	task := p.Registry().MustEntity(schema.Task)

	args, err := p.Find(task, map[string]any{
		"where":    map[string]any{"status": "TODO"},
		"orderBy":  map[string]any{"dueDate": "desc"},
		"cursor":   map[string]any{"id": "t3"},
		"take":     float64(-2),
		"skip":     1,
		"distinct": []any{"priority", "priority"},
	})
	require.NoError(t, err)
	assert.NotNil(t, args.Where)
	require.Len(t, args.OrderBy, 2)
	assert.Equal(t, "id", args.OrderBy[1].Field)
	assert.Equal(t, -2, *args.Take)
	assert.Equal(t, 1, args.Skip)
	assert.Equal(t, []string{"priority"}, args.Distinct)
	assert.False(t, args.Pushdown())

	plain, err := p.Find(task, map[string]any{"take": 5})
	require.NoError(t, err)
	assert.True(t, plain.Pushdown())

	_, err = p.Find(task, map[string]any{"skip": -1})
	assert.True(t, errors.Is(err, queryerr.ErrValidation))
	_, err = p.Find(task, map[string]any{"distinct": "colour"})
	assert.True(t, errors.Is(err, queryerr.ErrUnknownField))
}

func TestCheckKeys(t *testing.T) {
	assert.NoError(t, CheckKeys("Task", map[string]any{"where": nil}, FindKeys...))
	err := CheckKeys("Task", map[string]any{"wher": nil}, FindKeys...)
	assert.True(t, errors.Is(err, queryerr.ErrValidation))
}

func TestSelection(t *testing.T) {
	p := newParser()
	project := p.Registry().MustEntity(schema.Project)

	sel, err := p.Selection(project, map[string]any{
		"select": map[string]any{
			"name":  true,
			"tasks": map[string]any{"where": map[string]any{"status": "DONE"}, "take": 2, "select": map[string]any{"title": true}},
			"_count": map[string]any{"select": map[string]any{
				"members": true,
				"tasks":   map[string]any{"where": map[string]any{"status": "TODO"}},
			}},
		},
	})
	require.NoError(t, err)
	assert.True(t, sel.Explicit)
	assert.Equal(t, map[string]bool{"name": true}, sel.Scalars)
	require.Len(t, sel.Relations, 1)
	assert.Equal(t, "tasks", sel.Relations[0].Relation.Name)
	assert.Equal(t, 2, *sel.Relations[0].Find.Take)
	assert.True(t, sel.Relations[0].Selection.Explicit)
	require.Len(t, sel.Count, 2)
	assert.Nil(t, sel.Count[0].Where)
	assert.NotNil(t, sel.Count[1].Where)

	inc, err := p.Selection(project, map[string]any{"include": map[string]any{"_count": true, "teamLead": true}, "omit": map[string]any{"description": true}})
	require.NoError(t, err)
	assert.False(t, inc.Explicit)
	assert.True(t, inc.Omit["description"])
	assert.Len(t, inc.Count, 3)
	assert.Nil(t, inc.Relations[0].Find)
}

func TestSelectionErrors(t *testing.T) {
	p := newParser()
	project := p.Registry().MustEntity(schema.Project)

	tests := []struct {
		name string
		args map[string]any
		kind error
	}{
		{"select with include", map[string]any{"select": map[string]any{"name": true}, "include": map[string]any{"tasks": true}}, queryerr.ErrValidation},
		{"select with omit", map[string]any{"select": map[string]any{"name": true}, "omit": map[string]any{"name": true}}, queryerr.ErrValidation},
		{"include scalar", map[string]any{"include": map[string]any{"name": true}}, queryerr.ErrValidation},
		{"omit relation", map[string]any{"omit": map[string]any{"tasks": true}}, queryerr.ErrValidation},
		{"unknown select", map[string]any{"select": map[string]any{"colour": true}}, queryerr.ErrUnknownField},
		{"where on to-one", map[string]any{"include": map[string]any{"teamLead": map[string]any{"where": map[string]any{}}}}, queryerr.ErrValidation},
		{"count on to-one", map[string]any{"include": map[string]any{"_count": map[string]any{"select": map[string]any{"workspace": true}}}}, queryerr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Selection(project, tt.args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestSelfRelationDepth(t *testing.T) {
	p := newParser()
	message := p.Registry().MustEntity(schema.Message)

	nest := func(levels int) map[string]any {
		args := map[string]any{}
		for i := 0; i < levels; i++ {
			args = map[string]any{"include": map[string]any{"replies": args}}
		}
		return args
	}

	_, err := p.Selection(message, nest(3))
	require.NoError(t, err)

	_, err = p.Selection(message, nest(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, queryerr.ErrValidation))
}

func TestIncludeDepthLimit(t *testing.T) {
	p := NewParser(schema.Default(), Limits{MaxDepth: 2, MaxSelfDepth: 3})
	user := p.Registry().MustEntity(schema.User)

	_, err := p.Selection(user, map[string]any{"include": map[string]any{
		"assignedTasks": map[string]any{"include": map[string]any{"project": true}},
	}})
	require.NoError(t, err)

	_, err = p.Selection(user, map[string]any{"include": map[string]any{
		"assignedTasks": map[string]any{"include": map[string]any{
			"project": map[string]any{"include": map[string]any{"workspace": true}},
		}},
	}})
	assert.True(t, errors.Is(err, queryerr.ErrValidation))
}

func TestSelfContainingSelection(t *testing.T) {
	p := newParser()
	user := p.Registry().MustEntity(schema.User)

	include := map[string]any{}
	include["ownedWorkspaces"] = map[string]any{"include": map[string]any{"owner": map[string]any{"include": include}}}

	_, err := p.Selection(user, map[string]any{"include": include})
	require.Error(t, err)
	assert.True(t, errors.Is(err, queryerr.ErrValidation))
	assert.ErrorContains(t, err, "contains itself")
}
