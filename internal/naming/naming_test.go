package naming

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"pmquery/internal/schema"
)

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"passwordHash", "password_hash"},
		{"WorkspaceMember", "workspace_member"},
		{"id", "id"},
		{"imageURL", "image_url"},
		{"HTTPServer", "http_server"},
		{"v2Key", "v2_key"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ToSnakeCase(tt.input))
		})
	}
}

func TestTableName(t *testing.T) {
	namer := Default()

	tests := []struct {
		input    string
		expected string
	}{
		{"User", "users"},
		{"WorkspaceMember", "workspace_members"},
		{"Project", "projects"},
		{"RefreshToken", "refresh_tokens"},
		{"Message", "messages"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, namer.TableName(tt.input))
		})
	}
}

func TestOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TableOverrides["User"] = "accounts"
	cfg.ColumnOverrides["user"] = map[string]string{"passwordhash": "pw_hash"}
	cfg.PluralOverrides["Status"] = "Statii"
	namer := New(cfg, nil)

	assert.Equal(t, "accounts", namer.TableName("User"))
	assert.Equal(t, "pw_hash", namer.ColumnName("User", "passwordHash"))
	assert.Equal(t, "email", namer.ColumnName("User", "email"))
	assert.Equal(t, "Statii", namer.Pluralize("Status"))
}

func TestMapRegistry(t *testing.T) {
	m := Default().Map(schema.Default())

	assert.Equal(t, "workspace_members", m.Table("WorkspaceMember"))
	assert.Equal(t, "project_members", m.Table("ProjectMember"))
	assert.Equal(t, "assignee_id", m.Column("Task", "assigneeId"))
	assert.Equal(t, "is_read", m.Column("Notification", "isRead"))
}

func TestMapCollisionGetsSuffix(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := DefaultConfig()
	cfg.TableOverrides["Project"] = "users"
	m := New(cfg, logger).Map(schema.Default())

	assert.Equal(t, "users", m.Table("User"))
	assert.Equal(t, "users_2", m.Table("Project"))
	assert.Contains(t, buf.String(), "naming collision detected")
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("ORDER"))
	assert.True(t, IsReserved("user"))
	assert.False(t, IsReserved("title"))
}
