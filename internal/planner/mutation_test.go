package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmquery/internal/naming"
	"pmquery/internal/schema"
	"pmquery/internal/value"
)

func TestPlanInsert_EmptyRowReturnsError(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	_, err := p.PlanInsert(reg.MustEntity(schema.Workspace), value.Row{})
	require.Error(t, err)
}

func TestPlanInsert_DeclarationOrder(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	planned, err := p.PlanInsert(reg.MustEntity(schema.Workspace), value.Row{
		"slug": "acme", "ownerId": "u1", "name": "Acme", "id": "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `workspaces` (`id`,`name`,`slug`,`owner_id`) VALUES (?,?,?,?)", planned.SQL)
	assert.Equal(t, []interface{}{"w1", "Acme", "acme", "u1"}, planned.Args)
}

func TestPlanUpdate_EmptySetReturnsError(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	_, err := p.PlanUpdate(reg.MustEntity(schema.Task), "t1", value.Row{})
	require.Error(t, err)
}

func TestPlanDelete(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	task := reg.MustEntity(schema.Task)

	planned, err := p.PlanDelete(task, "t1")
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `tasks` WHERE `id` = ?", planned.SQL)
	assert.Equal(t, []interface{}{"t1"}, planned.Args)

	_, err = p.PlanDelete(task, nil)
	require.Error(t, err)
}

func TestPlanMutations_UseNamingOverrides(t *testing.T) {
	reg := schema.Default()
	names := naming.New(naming.Config{
		TableOverrides:  map[string]string{"user": "odd`accounts"},
		ColumnOverrides: map[string]map[string]string{"user": {"passwordhash": "pw_hash"}},
	}, nil).Map(reg)
	p := New(reg, MySQL{}, names)
	user := reg.MustEntity(schema.User)

	planned, err := p.PlanUpdate(user, "u1", value.Row{"passwordHash": "x"})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE `odd``accounts` SET `pw_hash` = ? WHERE `id` = ?", planned.SQL)
	assert.Equal(t, []interface{}{"x", "u1"}, planned.Args)
}
