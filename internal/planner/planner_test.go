package planner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmquery/internal/filter"
	"pmquery/internal/naming"
	"pmquery/internal/rowset"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

func newPlanner(t *testing.T, dialect string) (*Planner, *schema.Registry) {
	t.Helper()
	d, err := ParseDialect(dialect)
	require.NoError(t, err)
	reg := schema.Default()
	return New(reg, d, naming.Default().Map(reg)), reg
}

func intPtr(n int) *int { return &n }

func TestPlanSelect_MySQL(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	task := reg.MustEntity(schema.Task)

	planned, err := p.PlanSelect(store.Query{
		Entity: task,
		Where: &filter.And{Exprs: []filter.Expr{
			&filter.Cmp{Field: "status", Op: filter.OpIn, Values: []any{"TODO", "DONE"}},
			&filter.Cmp{Field: "assigneeId", Op: filter.OpIsNull},
		}},
		OrderBy: rowset.WithTieBreak([]rowset.OrderTerm{{Field: "dueDate", Direction: rowset.Asc}}),
		Limit:   intPtr(10),
		Offset:  5,
	})
	require.NoError(t, err)
	assert.Contains(t, planned.SQL, "SELECT `t0`.`id`, `t0`.`project_id`, `t0`.`title`")
	assert.Contains(t, planned.SQL, " FROM `tasks` AS `t0`"+
		" WHERE (`t0`.`status` IN (?, ?) AND `t0`.`assignee_id` IS NULL)"+
		" ORDER BY CASE WHEN `t0`.`due_date` IS NULL THEN 0 ELSE 1 END, `t0`.`due_date` ASC, `t0`.`id` ASC"+
		" LIMIT 10 OFFSET 5")
	assert.Equal(t, []interface{}{"TODO", "DONE"}, planned.Args)
}

func TestPlanSelect_OffsetWithoutLimit(t *testing.T) {
	tests := []struct {
		dialect string
		suffix  string
	}{
		{"mysql", " LIMIT 18446744073709551615 OFFSET 3"},
		{"postgres", " LIMIT ALL OFFSET 3"},
		{"sqlite", " LIMIT -1 OFFSET 3"},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			p, reg := newPlanner(t, tt.dialect)
			planned, err := p.PlanSelect(store.Query{Entity: reg.MustEntity(schema.User), Offset: 3})
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(planned.SQL, tt.suffix), planned.SQL)
		})
	}
}

func TestPlanSelect_NegativeLimit(t *testing.T) {
	p, reg := newPlanner(t, "sqlite")
	_, err := p.PlanSelect(store.Query{Entity: reg.MustEntity(schema.User), Limit: intPtr(-1)})
	require.Error(t, err)
}

func TestBuildWhere_NullableGuard(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	task := reg.MustEntity(schema.Task)

	cond, err := p.BuildWhere(task, RootAlias, &filter.Not{Expr: &filter.Cmp{Field: "description", Op: filter.OpContains, Value: "50%"}})
	require.NoError(t, err)
	sql, args, err := cond.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "NOT ((`t0`.`description` IS NOT NULL AND `t0`.`description` LIKE ?))", sql)
	assert.Equal(t, []interface{}{`%50\%%`}, args)

	cond, err = p.BuildWhere(task, RootAlias, &filter.Cmp{Field: "title", Op: filter.OpEquals, Value: "Ship", Insensitive: true})
	require.NoError(t, err)
	sql, args, err = cond.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "LOWER(`t0`.`title`) = ?", sql, "non-nullable columns need no guard")
	assert.Equal(t, []interface{}{"ship"}, args)
}

func TestBuildWhere_Constants(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	task := reg.MustEntity(schema.Task)

	tests := []struct {
		name string
		expr filter.Expr
		want string
	}{
		{"empty or", &filter.Or{}, "1 = 0"},
		{"empty and", &filter.And{}, "1 = 1"},
		{"empty in", &filter.Cmp{Field: "status", Op: filter.OpIn}, "1 = 0"},
		{"false", &filter.Const{Value: false}, "1 = 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := p.BuildWhere(task, RootAlias, tt.expr)
			require.NoError(t, err)
			sql, _, err := cond.ToSql()
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)
		})
	}

	cond, err := p.BuildWhere(task, RootAlias, nil)
	require.NoError(t, err)
	assert.Nil(t, cond)
}

func TestBuildWhere_Relations(t *testing.T) {
	p, reg := newPlanner(t, "mysql")
	project := reg.MustEntity(schema.Project)
	task := reg.MustEntity(schema.Task)
	tasks, _ := project.Relation("tasks")
	assignee, _ := task.Relation("assignee")
	done := &filter.Cmp{Field: "status", Op: filter.OpEquals, Value: "DONE"}

	tests := []struct {
		name   string
		entity *schema.Entity
		expr   filter.Expr
		want   string
	}{
		{
			name:   "some",
			entity: project,
			expr:   &filter.Relation{Relation: tasks, Quantifier: filter.Some, Where: done},
			want:   "EXISTS (SELECT 1 FROM `tasks` AS `t1` WHERE `t1`.`project_id` = `t0`.`id` AND `t1`.`status` = ?)",
		},
		{
			name:   "none",
			entity: project,
			expr:   &filter.Relation{Relation: tasks, Quantifier: filter.None, Where: done},
			want:   "NOT EXISTS (SELECT 1 FROM `tasks` AS `t1` WHERE `t1`.`project_id` = `t0`.`id` AND `t1`.`status` = ?)",
		},
		{
			name:   "every",
			entity: project,
			expr:   &filter.Relation{Relation: tasks, Quantifier: filter.Every, Where: done},
			want:   "NOT EXISTS (SELECT 1 FROM `tasks` AS `t1` WHERE `t1`.`project_id` = `t0`.`id` AND NOT (`t1`.`status` = ?))",
		},
		{
			name:   "is",
			entity: task,
			expr: &filter.Relation{Relation: assignee, Quantifier: filter.Is, Where: &filter.Cmp{
				Field: "name", Op: filter.OpStartsWith, Value: "Ad",
			}},
			want: "EXISTS (SELECT 1 FROM `users` AS `t1` WHERE `t1`.`id` = `t0`.`assignee_id` AND `t1`.`name` LIKE ?)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := p.BuildWhere(tt.entity, RootAlias, tt.expr)
			require.NoError(t, err)
			sql, args, err := cond.ToSql()
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)
			assert.Len(t, args, 1)
		})
	}

	cond, err := p.BuildWhere(project, RootAlias, &filter.Relation{Relation: tasks, Quantifier: filter.Every})
	require.NoError(t, err)
	sql, _, err := cond.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", sql, "every with no predicate is vacuous")
}

func TestPlanSelect_PostgresPlaceholders(t *testing.T) {
	p, reg := newPlanner(t, "postgres")
	project := reg.MustEntity(schema.Project)
	tasks, _ := project.Relation("tasks")

	planned, err := p.PlanSelect(store.Query{
		Entity: project,
		Where: &filter.And{Exprs: []filter.Expr{
			&filter.Cmp{Field: "name", Op: filter.OpEquals, Value: "Apollo"},
			&filter.Relation{Relation: tasks, Quantifier: filter.Some, Where: &filter.Cmp{Field: "priority", Op: filter.OpEquals, Value: "HIGH"}},
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, planned.SQL, `FROM "projects" AS "t0"`)
	assert.Contains(t, planned.SQL, `"t0"."name" = $1`)
	assert.Contains(t, planned.SQL, `"t1"."priority" = $2`)
	assert.Equal(t, []interface{}{"Apollo", "HIGH"}, planned.Args)
}

func TestOrderBy_Relations(t *testing.T) {
	p, reg := newPlanner(t, "sqlite")
	task := reg.MustEntity(schema.Task)
	project := reg.MustEntity(schema.Project)
	assignee, _ := task.Relation("assignee")
	tasks, _ := project.Relation("tasks")

	order, err := p.OrderBy(task, RootAlias, []rowset.OrderTerm{
		{Relation: assignee, Field: "name", Direction: rowset.Desc},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		`CASE WHEN (SELECT "o1"."name" FROM "users" AS "o1" WHERE "o1"."id" = "t0"."assignee_id") IS NULL THEN 1 ELSE 0 END`,
		`(SELECT "o1"."name" FROM "users" AS "o1" WHERE "o1"."id" = "t0"."assignee_id") DESC`,
	}, order)

	order, err = p.OrderBy(project, RootAlias, []rowset.OrderTerm{
		{Relation: tasks, Count: true, Direction: rowset.Desc},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		`(SELECT COUNT(*) FROM "tasks" AS "o1" WHERE "o1"."project_id" = "t0"."id") DESC`,
	}, order)

	order, err = p.OrderBy(task, RootAlias, []rowset.OrderTerm{{Field: "dueDate", Direction: rowset.Desc, Nulls: rowset.NullsFirst}})
	require.NoError(t, err)
	assert.Equal(t, `CASE WHEN "t0"."due_date" IS NULL THEN 0 ELSE 1 END`, order[0])
}

func TestJSONFilters(t *testing.T) {
	cmp := &filter.JSONCmp{Field: "settings", Path: []string{"theme"}, Op: filter.JSONEquals, Value: "dark"}

	t.Run("mysql", func(t *testing.T) {
		p, reg := newPlanner(t, "mysql")
		cond, err := p.BuildWhere(reg.MustEntity(schema.Workspace), RootAlias, cmp)
		require.NoError(t, err)
		sql, args, err := cond.ToSql()
		require.NoError(t, err)
		assert.Equal(t, "(COALESCE(JSON_TYPE(JSON_EXTRACT(`t0`.`settings`, ?)), 'NULL') <> 'NULL'"+
			" AND JSON_EXTRACT(`t0`.`settings`, ?) = CAST(? AS JSON))", sql)
		assert.Equal(t, []interface{}{`$."theme"`, `$."theme"`, `"dark"`}, args)
	})

	t.Run("postgres", func(t *testing.T) {
		p, reg := newPlanner(t, "postgres")
		planned, err := p.PlanSelect(store.Query{Entity: reg.MustEntity(schema.Workspace), Where: cmp})
		require.NoError(t, err)
		assert.Contains(t, planned.SQL, `(COALESCE(jsonb_typeof("t0"."settings" #> $1), 'null') <> 'null' AND ("t0"."settings" #> $2) = $3::jsonb)`)
		assert.Equal(t, []interface{}{[]string{"theme"}, []string{"theme"}, `"dark"`}, planned.Args)
	})

	t.Run("sqlite array", func(t *testing.T) {
		p, reg := newPlanner(t, "sqlite")
		cond, err := p.BuildWhere(reg.MustEntity(schema.Workspace), RootAlias, &filter.JSONCmp{
			Field: "settings", Path: []string{"tags"}, Op: filter.JSONArrayStartsWith, Value: []any{"a"},
		})
		require.NoError(t, err)
		sql, args, err := cond.ToSql()
		require.NoError(t, err)
		assert.Contains(t, sql, `json_array_length("t0"."settings", ?) >= 1`)
		assert.Contains(t, args, `$."tags"[0]`)
	})
}

func TestPlanInsertAndUpdate(t *testing.T) {
	p, reg := newPlanner(t, "sqlite")
	user := reg.MustEntity(schema.User)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	planned, err := p.PlanInsert(user, value.Row{"id": "u1", "name": "Ada", "isActive": true, "createdAt": created})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "users" ("id","name","is_active","created_at") VALUES (?,?,?,?)`, planned.SQL)
	assert.Equal(t, []interface{}{"u1", "Ada", int64(1), "2026-03-01 12:00:00.000000000"}, planned.Args)

	_, err = p.PlanInsert(user, value.Row{"nickname": "x"})
	require.Error(t, err)

	planned, err = p.PlanUpdate(user, "u1", value.Row{"name": "Ada L.", "lastLogin": nil})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "users" SET "name" = ?, "last_login" = ? WHERE "id" = ?`, planned.SQL)
	assert.Equal(t, []interface{}{"Ada L.", nil, "u1"}, planned.Args)

	_, err = p.PlanUpdate(user, "u1", value.Row{"id": "u2"})
	require.Error(t, err)

	pg, reg := newPlanner(t, "postgres")
	planned, err = pg.PlanDelete(reg.MustEntity(schema.User), "u1")
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "id" = $1`, planned.SQL)
}

func TestPlanCreateTables(t *testing.T) {
	p, reg := newPlanner(t, "sqlite")
	stmts := p.PlanCreateTables()
	require.NotEmpty(t, stmts)

	assert.Contains(t, stmts[0].SQL, `CREATE TABLE IF NOT EXISTS "users"`)
	var members string
	for _, s := range stmts {
		if strings.HasPrefix(s.SQL, `CREATE TABLE IF NOT EXISTS "workspace_members"`) {
			members = s.SQL
		}
	}
	require.NotEmpty(t, members)
	assert.Contains(t, members, `CONSTRAINT "uq_workspace_members_workspace_id_user_id" UNIQUE ("workspace_id", "user_id")`)
	assert.Contains(t, members, `CONSTRAINT "fk_workspace_members_user_id" FOREIGN KEY ("user_id") REFERENCES "users" ("id")`)
	assert.Contains(t, members, `"role" TEXT NOT NULL CHECK ("role" IN ('ADMIN', 'MEMBER'))`)
	assert.NotContains(t, members, `"uq_workspace_members_id"`)
	assert.Contains(t, stmts[len(stmts)-1].SQL, "CREATE INDEX IF NOT EXISTS")

	my, _ := newPlanner(t, "mysql")
	for _, s := range my.PlanCreateTables() {
		assert.NotContains(t, s.SQL, "CREATE INDEX", "mysql indexes foreign keys itself")
	}

	c, ok := p.ConstraintByName("workspace_members.uq_workspace_members_workspace_id_user_id")
	require.True(t, ok)
	assert.Equal(t, schema.WorkspaceMember, c.Entity.Name)
	assert.Equal(t, []string{"workspaceId", "userId"}, c.Fields)

	c, ok = p.ConstraintByName("fk_tasks_assignee_id")
	require.True(t, ok)
	assert.Equal(t, "assignee", c.Relation.Name)

	assert.Equal(t, []string{"workspaceId", "mystery"},
		p.FieldsForColumns(reg.MustEntity(schema.WorkspaceMember), []string{"workspace_id", "mystery"}))
}

func TestParseDialect(t *testing.T) {
	for _, name := range []string{"mysql", "TiDB", "postgres", "pgx", "sqlite3"} {
		_, err := ParseDialect(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}
