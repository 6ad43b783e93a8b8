package queryerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("create failed: %w", UniqueViolation("WorkspaceMember", []string{"workspaceId", "userId"}, OriginStorage))

	assert.True(t, errors.Is(err, ErrUniqueConstraint))
	assert.False(t, errors.Is(err, ErrForeignKey))
	assert.Equal(t, KindUniqueConstraint, KindOf(err))
	assert.Equal(t, OriginStorage, OriginOf(err))
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "field",
			err:  UnknownField("Task", "colour"),
			want: "UnknownField on Task.colour: unknown field",
		},
		{
			name: "compound fields",
			err:  UniqueViolation("ProjectMember", []string{"projectId", "userId"}, OriginLocal),
			want: "UniqueConstraintViolation on ProjectMember(projectId, userId): unique constraint failed",
		},
		{
			name: "wrapped cause",
			err:  TypeMismatch("Project", "status", errors.New("bad enum")),
			want: "TypeMismatch on Project.status: bad enum",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, OriginNone, OriginOf(nil))
}

func TestStorageKeepsTypedErrors(t *testing.T) {
	typed := NotFound("Task", "no row")
	assert.Same(t, typed, Storage("Task", typed))
	assert.ErrorContains(t, Storage("Task", errors.New("conn reset")), "storage error on Task")
	assert.NoError(t, Storage("Task", nil))
}
