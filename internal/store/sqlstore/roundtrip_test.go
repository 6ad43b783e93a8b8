package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmquery/internal/engine"
	"pmquery/internal/naming"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store/sqlstore"
)

// backends lists the databases the round trip runs against. SQLite always runs; MySQL and
// Postgres run when a DSN is exported.
func backends(t *testing.T) map[string]string {
	t.Helper()
	out := map[string]string{
		"sqlite": "file:" + filepath.Join(t.TempDir(), "pm.db"),
	}
	if dsn := os.Getenv("PMQ_TEST_MYSQL_DSN"); dsn != "" {
		out["mysql"] = dsn
	}
	if dsn := os.Getenv("PMQ_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = dsn
	}
	return out
}

func TestEngineRoundTrip(t *testing.T) {
	for dialect, dsn := range backends(t) {
		t.Run(dialect, func(t *testing.T) {
			if dialect != "sqlite" && testing.Short() {
				t.Skip("skipping networked database in short mode")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			reg := schema.Default()
			st, closeDB, err := sqlstore.Open(ctx, reg, naming.Default().Map(reg), sqlstore.OpenOptions{
				Dialect: dialect,
				DSN:     dsn,
			}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = closeDB() })
			require.NoError(t, st.Migrate(ctx))

			e := engine.New(reg, st)
			run := func(model, op string, args map[string]any) any {
				t.Helper()
				out, err := e.Execute(ctx, engine.Request{Model: model, Operation: op, Args: args})
				require.NoError(t, err, "%s.%s", model, op)
				return out
			}

			// Networked databases keep rows between runs.
			suffix := fmt.Sprintf("%d", time.Now().UnixNano())
			user := run(schema.User, "create", map[string]any{"data": map[string]any{
				"email": "ada+" + suffix + "@example.com", "passwordHash": "x", "name": "Ada",
			}}).(map[string]any)
			workspace := run(schema.Workspace, "create", map[string]any{"data": map[string]any{
				"name": "Acme", "slug": "acme-" + suffix, "ownerId": user["id"],
			}}).(map[string]any)
			project := run(schema.Project, "create", map[string]any{"data": map[string]any{
				"name": "Apollo " + suffix, "workspaceId": workspace["id"], "teamLeadId": user["id"], "status": "ACTIVE",
			}}).(map[string]any)
			for _, title := range []string{"Write docs", "Ship"} {
				run(schema.Task, "create", map[string]any{"data": map[string]any{
					"title": title, "projectId": project["id"], "reporterId": user["id"],
				}})
			}

			tasks := run(schema.Task, "findMany", map[string]any{
				"where": map[string]any{
					"project":  map[string]any{"is": map[string]any{"id": project["id"]}},
					"assignee": map[string]any{"is": nil},
				},
				"orderBy": map[string]any{"title": "asc"},
				"include": map[string]any{"reporter": true},
			}).([]map[string]any)
			require.Len(t, tasks, 2)
			assert.Equal(t, "Ship", tasks[0]["title"])
			assert.Equal(t, "TODO", tasks[0]["status"])
			assert.Equal(t, "Ada", tasks[0]["reporter"].(map[string]any)["name"])

			updated := run(schema.Task, "updateMany", map[string]any{
				"where": map[string]any{"projectId": project["id"], "title": "Ship"},
				"data":  map[string]any{"status": "DONE"},
			})
			assert.Equal(t, engine.BatchResult{Count: 1}, updated)

			_, err = e.Execute(ctx, engine.Request{Model: schema.User, Operation: "create", Args: map[string]any{"data": map[string]any{
				"email": user["email"], "passwordHash": "x", "name": "Ada again",
			}}})
			assert.True(t, errors.Is(err, queryerr.ErrUniqueConstraint), "got %v", err)

			_, err = e.Execute(ctx, engine.Request{Model: schema.Task, Operation: "create", Args: map[string]any{"data": map[string]any{
				"title": "Orphan", "projectId": "missing-" + suffix, "reporterId": user["id"],
			}}})
			assert.True(t, errors.Is(err, queryerr.ErrForeignKey), "got %v", err)
		})
	}
}
