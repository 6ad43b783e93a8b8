package sqlstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmquery/internal/filter"
	"pmquery/internal/naming"
	"pmquery/internal/planner"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
	"pmquery/internal/value"
)

func newMockStore(t *testing.T, dialect planner.Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := schema.Default()
	p := planner.New(reg, dialect, naming.Default().Map(reg))
	return New(db, p), mock
}

func userColumns(entity *schema.Entity) []string {
	cols := make([]string, len(entity.Fields))
	for i, f := range entity.Fields {
		cols[i] = f.Name
	}
	return cols
}

func TestSelect_DecodesDriverValues(t *testing.T) {
	s, mock := newMockStore(t, planner.MySQL{})
	user := schema.Default().MustEntity(schema.User)

	q := store.Query{
		Entity: user,
		Where:  &filter.Cmp{Field: "email", Op: filter.OpEquals, Value: "ada@example.com"},
	}
	planned, err := s.Planner().PlanSelect(q)
	require.NoError(t, err)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(planned.SQL).WillReturnRows(
		sqlmock.NewRows(userColumns(user)).AddRow(
			[]byte("u1"), []byte("ada@example.com"), []byte("hash"), []byte("Ada"),
			nil, []byte("ADMIN"), int64(1), nil, created, created,
		),
	)

	rows, err := s.Select(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, value.Row{
		"id":           "u1",
		"email":        "ada@example.com",
		"passwordHash": "hash",
		"name":         "Ada",
		"imageUrl":     nil,
		"role":         "ADMIN",
		"isActive":     true,
		"lastLogin":    nil,
		"createdAt":    created,
		"updatedAt":    created,
	}, rows[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecodeValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC)
	tests := []struct {
		name string
		kind value.Kind
		raw  any
		want any
	}{
		{"text from bytes", value.KindString, []byte("abc"), "abc"},
		{"int from int64", value.KindInt, int64(7), int64(7)},
		{"int from bytes", value.KindInt, []byte("42"), int64(42)},
		{"float from int", value.KindFloat, int64(3), float64(3)},
		{"bool from sqlite integer", value.KindBoolean, int64(0), false},
		{"bool from bytes", value.KindBoolean, []byte("1"), true},
		{"time from text layout", value.KindDateTime, ts.Format(value.TextTimeLayout), ts},
		{"time in other zone", value.KindDateTime, ts.In(time.FixedZone("x", 3600)), ts},
		{"json object", value.KindJSON, []byte(`{"a":[1,"b"]}`), map[string]any{"a": []any{float64(1), "b"}}},
		{"json null literal", value.KindJSON, "null", nil},
		{"null", value.KindInt, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeValue(&schema.Field{Name: "f", Kind: tt.kind}, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := decodeValue(&schema.Field{Name: "f", Kind: value.KindBoolean}, []byte("maybe"))
	assert.Error(t, err)
}

func TestInsert_MapsMySQLErrors(t *testing.T) {
	reg := schema.Default()
	tests := []struct {
		name   string
		entity string
		err    *mysql.MySQLError
		kind   queryerr.Kind
		fields []string
		field  string
	}{
		{
			name:   "duplicate primary key",
			entity: schema.User,
			err:    &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'u1' for key 'users.PRIMARY'"},
			kind:   queryerr.KindUniqueConstraint,
			fields: []string{"id"},
		},
		{
			name:   "duplicate compound key",
			entity: schema.WorkspaceMember,
			err: &mysql.MySQLError{Number: 1062,
				Message: "Duplicate entry 'w1-u1' for key 'workspace_members.uq_workspace_members_workspace_id_user_id'"},
			kind:   queryerr.KindUniqueConstraint,
			fields: []string{"workspaceId", "userId"},
		},
		{
			name:   "missing referenced row",
			entity: schema.WorkspaceMember,
			err: &mysql.MySQLError{Number: 1452,
				Message: "Cannot add or update a child row: a foreign key constraint fails (`pm`.`workspace_members`, CONSTRAINT `fk_workspace_members_workspace_id` FOREIGN KEY (`workspace_id`) REFERENCES `workspaces` (`id`))"},
			kind:  queryerr.KindForeignKey,
			field: "workspaceId",
		},
		{
			name:   "null column",
			entity: schema.User,
			err:    &mysql.MySQLError{Number: 1048, Message: "Column 'password_hash' cannot be null"},
			kind:   queryerr.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t, planner.MySQL{})
			entity := reg.MustEntity(tt.entity)
			row := value.Row{"id": "x"}
			planned, err := s.Planner().PlanInsert(entity, row)
			require.NoError(t, err)
			mock.ExpectExec(planned.SQL).WillReturnError(tt.err)

			err = s.Insert(context.Background(), entity, row)
			require.Error(t, err)
			assert.Equal(t, tt.kind, queryerr.KindOf(err))

			var qe *queryerr.Error
			require.True(t, errors.As(err, &qe))
			if tt.kind != queryerr.KindValidation {
				assert.Equal(t, queryerr.OriginStorage, qe.Origin)
			}
			if tt.fields != nil {
				assert.Equal(t, tt.fields, qe.Fields)
			}
			if tt.field != "" {
				assert.Equal(t, tt.field, qe.Field)
			}
		})
	}
}

func TestDelete_RestrictedByDependent(t *testing.T) {
	s, mock := newMockStore(t, planner.MySQL{})
	project := schema.Default().MustEntity(schema.Project)
	planned, err := s.Planner().PlanDelete(project, "p1")
	require.NoError(t, err)

	mock.ExpectExec(planned.SQL).WillReturnError(&mysql.MySQLError{Number: 1451,
		Message: "Cannot delete or update a parent row: a foreign key constraint fails (`pm`.`tasks`, CONSTRAINT `fk_tasks_project_id` FOREIGN KEY (`project_id`) REFERENCES `projects` (`id`))"})

	_, err = s.Delete(context.Background(), project, "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, queryerr.ErrForeignKey)
	assert.Contains(t, err.Error(), "still referenced by Task")
}

func TestUpdateAndDelete_ReportExistence(t *testing.T) {
	s, mock := newMockStore(t, planner.MySQL{})
	task := schema.Default().MustEntity(schema.Task)

	upd, err := s.Planner().PlanUpdate(task, "t1", value.Row{"title": "x"})
	require.NoError(t, err)
	mock.ExpectExec(upd.SQL).WillReturnResult(sqlmock.NewResult(0, 0))

	found, err := s.Update(context.Background(), task, "t1", value.Row{"title": "x"})
	require.NoError(t, err)
	assert.False(t, found)

	del, err := s.Planner().PlanDelete(task, "t1")
	require.NoError(t, err)
	mock.ExpectExec(del.SQL).WillReturnResult(sqlmock.NewResult(0, 1))

	found, err = s.Delete(context.Background(), task, "t1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrors(t *testing.T) {
	s, mock := newMockStore(t, planner.Postgres{})
	user := schema.Default().MustEntity(schema.User)
	row := value.Row{"id": "u1", "email": "a@b.c"}
	planned, err := s.Planner().PlanInsert(user, row)
	require.NoError(t, err)

	mock.ExpectExec(planned.SQL).WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_users_email"})
	err = s.Insert(context.Background(), user, row)
	require.Error(t, err)
	assert.ErrorIs(t, err, queryerr.ErrUniqueConstraint)
	assert.Equal(t, queryerr.OriginStorage, queryerr.OriginOf(err))

	mock.ExpectExec(planned.SQL).WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	err = s.Insert(context.Background(), user, row)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestInTx(t *testing.T) {
	task := schema.Default().MustEntity(schema.Task)

	t.Run("commits and joins nested transactions", func(t *testing.T) {
		s, mock := newMockStore(t, planner.MySQL{})
		del, err := s.Planner().PlanDelete(task, "t1")
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectExec(del.SQL).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = s.InTx(context.Background(), store.TxOptions{Serializable: true}, func(ctx context.Context, tx store.Store) error {
			return tx.InTx(ctx, store.TxOptions{}, func(ctx context.Context, inner store.Store) error {
				_, err := inner.Delete(ctx, task, "t1")
				return err
			})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		s, mock := newMockStore(t, planner.MySQL{})
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := s.InTx(context.Background(), store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlock on commit is a conflict", func(t *testing.T) {
		s, mock := newMockStore(t, planner.MySQL{})
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})

		err := s.InTx(context.Background(), store.TxOptions{}, func(ctx context.Context, tx store.Store) error {
			return nil
		})
		assert.ErrorIs(t, err, store.ErrConflict)
	})
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t, planner.Postgres{})
	stmts := s.Planner().PlanCreateTables()
	require.NotEmpty(t, stmts)
	for _, stmt := range stmts {
		mock.ExpectExec(stmt.SQL).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteColumns(t *testing.T) {
	assert.Equal(t, []string{"workspace_id", "user_id"},
		sqliteColumns("constraint failed: UNIQUE constraint failed: workspace_members.workspace_id, workspace_members.user_id (2067)"))
	assert.Equal(t, []string{"email"}, sqliteColumns("UNIQUE constraint failed: users.email"))
	assert.Nil(t, sqliteColumns("FOREIGN KEY constraint failed"))
}

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("mysql", "root:pw@tcp(localhost:3306)/pm")
	require.NoError(t, err)
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, cfg.ClientFoundRows)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, time.UTC, cfg.Loc)

	dsn, err = NormalizeDSN("sqlite", "file:pm.db?cache=shared")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "file:pm.db?cache=shared&_pragma="))

	dsn, err = NormalizeDSN("sqlite", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, ":memory:?_pragma="))

	_, err = NormalizeDSN("postgres", "postgres://user@localhost:5432/pm")
	assert.NoError(t, err)

	_, err = NormalizeDSN("oracle", "x")
	assert.Error(t, err)
}
