package schema

import (
	"fmt"

	"pmquery/internal/value"
)

// Entity names.
const (
	User            = "User"
	Workspace       = "Workspace"
	WorkspaceMember = "WorkspaceMember"
	Project         = "Project"
	ProjectMember   = "ProjectMember"
	Task            = "Task"
	Message         = "Message"
	Notification    = "Notification"
	RefreshToken    = "RefreshToken"
)

var defaultRegistry = buildDefault()

// Default returns the project-management registry. The returned value is shared and must not
// be mutated; use WithDeletePolicies to derive a variant.
func Default() *Registry {
	return defaultRegistry
}

type builder struct {
	reg *Registry
}

func newBuilder() *builder {
	return &builder{reg: &Registry{
		byName: map[string]*Entity{},
		enums:  map[string]*Enum{},
	}}
}

func (b *builder) enum(name string, values ...string) *Enum {
	e := &Enum{Name: name, Values: values}
	b.reg.enums[name] = e
	return e
}

func (b *builder) entity(name string, fields ...*Field) {
	id := &Field{Name: PrimaryKey, Kind: value.KindString, ID: true, Default: FieldDefault{Kind: DefaultUUID}}
	e := &Entity{
		Name:    name,
		Fields:  append([]*Field{id}, fields...),
		Uniques: []UniqueConstraint{{Name: PrimaryKey, Fields: []string{PrimaryKey}}},
	}
	e.index()
	b.reg.entities = append(b.reg.entities, e)
	b.reg.byName[name] = e
}

func (b *builder) unique(entity string, fields ...string) {
	e := b.reg.byName[entity]
	name := fields[0]
	for _, f := range fields[1:] {
		name += "_" + f
	}
	e.Uniques = append(e.Uniques, UniqueConstraint{Name: name, Fields: fields})
}

// belongsTo declares an owning to-one relation and its to-many inverse on the target.
func (b *builder) belongsTo(entity, name, fkField, target, inverse string) {
	owner := b.reg.byName[entity]
	fk, ok := owner.Field(fkField)
	if !ok {
		panic(fmt.Sprintf("schema: %s.%s references missing field %s", entity, name, fkField))
	}
	policy := Restrict
	if fk.Nullable {
		policy = SetNull
	}
	owner.Relations = append(owner.Relations, &Relation{
		Name:        name,
		Entity:      entity,
		Target:      target,
		Cardinality: One,
		Nullable:    fk.Nullable,
		Owning:      true,
		FKField:     fkField,
		Inverse:     inverse,
		OnDelete:    policy,
	})
	owner.index()

	other := b.reg.byName[target]
	other.Relations = append(other.Relations, &Relation{
		Name:        inverse,
		Entity:      target,
		Target:      entity,
		Cardinality: Many,
		FKField:     fkField,
		Inverse:     name,
	})
	other.index()
}

// scoped requires rows linked through an owning relation to agree on field.
func (b *builder) scoped(entity, relation, field string) {
	rel, _ := b.reg.byName[entity].Relation(relation)
	rel.Scope = field
	if inv := b.reg.Inverse(rel); inv != nil {
		inv.Scope = field
	}
}

func field(name string, kind value.Kind) *Field {
	return &Field{Name: name, Kind: kind}
}

func enumField(name string, e *Enum, def string) *Field {
	f := &Field{Name: name, Kind: value.KindEnum, Enum: e}
	if def != "" {
		f.Default = FieldDefault{Kind: DefaultValue, Value: def}
	}
	return f
}

func (f *Field) optional() *Field {
	f.Nullable = true
	return f
}

func (f *Field) withDefault(v any) *Field {
	f.Default = FieldDefault{Kind: DefaultValue, Value: v}
	return f
}

func (f *Field) defaultNow() *Field {
	f.Default = FieldDefault{Kind: DefaultNow}
	return f
}

func (f *Field) autoUpdated() *Field {
	f.UpdatedAt = true
	f.Default = FieldDefault{Kind: DefaultNow}
	return f
}

func createdAt() *Field { return field("createdAt", value.KindDateTime).defaultNow() }
func updatedAt() *Field { return field("updatedAt", value.KindDateTime).autoUpdated() }

func buildDefault() *Registry {
	b := newBuilder()

	role := b.enum("Role", "ADMIN", "MEMBER")
	priority := b.enum("Priority", "LOW", "MEDIUM", "HIGH", "URGENT")
	projectStatus := b.enum("ProjectStatus", "PLANNING", "ACTIVE", "ON_HOLD", "COMPLETED", "CANCELLED")
	projectRole := b.enum("ProjectRole", "LEAD", "MEMBER", "VIEWER")
	taskStatus := b.enum("TaskStatus", "TODO", "IN_PROGRESS", "IN_REVIEW", "DONE")
	taskType := b.enum("TaskType", "TASK", "BUG", "FEATURE", "IMPROVEMENT")
	notificationType := b.enum("NotificationType", "TASK_ASSIGNED", "TASK_UPDATED", "PROJECT_INVITE", "MENTION", "MESSAGE", "SYSTEM")

	b.entity(User,
		field("email", value.KindString),
		field("passwordHash", value.KindString),
		field("name", value.KindString),
		field("imageUrl", value.KindString).optional(),
		enumField("role", role, "MEMBER"),
		field("isActive", value.KindBoolean).withDefault(true),
		field("lastLogin", value.KindDateTime).optional(),
		createdAt(),
		updatedAt(),
	)
	b.unique(User, "email")

	b.entity(Workspace,
		field("name", value.KindString),
		field("slug", value.KindString),
		field("description", value.KindString).optional(),
		field("imageUrl", value.KindString).optional(),
		field("settings", value.KindJSON).withDefault(map[string]any{}),
		field("ownerId", value.KindString),
		createdAt(),
		updatedAt(),
	)
	b.unique(Workspace, "slug")

	b.entity(WorkspaceMember,
		field("workspaceId", value.KindString),
		field("userId", value.KindString),
		enumField("role", role, "MEMBER"),
		field("joinedAt", value.KindDateTime).defaultNow(),
	)
	b.unique(WorkspaceMember, "workspaceId", "userId")

	b.entity(Project,
		field("name", value.KindString),
		field("description", value.KindString).optional(),
		enumField("priority", priority, "MEDIUM"),
		enumField("status", projectStatus, "PLANNING"),
		field("startDate", value.KindDateTime).optional(),
		field("endDate", value.KindDateTime).optional(),
		field("progress", value.KindInt).withDefault(int64(0)),
		field("workspaceId", value.KindString),
		field("teamLeadId", value.KindString),
		createdAt(),
		updatedAt(),
	)

	b.entity(ProjectMember,
		field("projectId", value.KindString),
		field("userId", value.KindString),
		enumField("role", projectRole, "MEMBER"),
		field("joinedAt", value.KindDateTime).defaultNow(),
	)
	b.unique(ProjectMember, "projectId", "userId")

	b.entity(Task,
		field("projectId", value.KindString),
		field("title", value.KindString),
		field("description", value.KindString).optional(),
		enumField("status", taskStatus, "TODO"),
		enumField("type", taskType, "TASK"),
		enumField("priority", priority, "MEDIUM"),
		field("assigneeId", value.KindString).optional(),
		field("reporterId", value.KindString),
		field("dueDate", value.KindDateTime).optional(),
		field("completedAt", value.KindDateTime).optional(),
		createdAt(),
		updatedAt(),
	)

	b.entity(Message,
		field("content", value.KindString),
		field("projectId", value.KindString),
		field("authorId", value.KindString),
		field("parentId", value.KindString).optional(),
		createdAt(),
		updatedAt(),
	)

	b.entity(Notification,
		field("userId", value.KindString),
		enumField("type", notificationType, ""),
		field("title", value.KindString),
		field("message", value.KindString),
		field("data", value.KindJSON).optional(),
		field("isRead", value.KindBoolean).withDefault(false),
		field("readAt", value.KindDateTime).optional(),
		createdAt(),
	)

	b.entity(RefreshToken,
		field("token", value.KindString),
		field("userId", value.KindString),
		field("expiresAt", value.KindDateTime),
		createdAt(),
	)
	b.unique(RefreshToken, "token")

	b.belongsTo(Workspace, "owner", "ownerId", User, "ownedWorkspaces")
	b.belongsTo(WorkspaceMember, "workspace", "workspaceId", Workspace, "members")
	b.belongsTo(WorkspaceMember, "user", "userId", User, "workspaceMemberships")
	b.belongsTo(Project, "workspace", "workspaceId", Workspace, "projects")
	b.belongsTo(Project, "teamLead", "teamLeadId", User, "ledProjects")
	b.belongsTo(ProjectMember, "project", "projectId", Project, "members")
	b.belongsTo(ProjectMember, "user", "userId", User, "projectMemberships")
	b.belongsTo(Task, "project", "projectId", Project, "tasks")
	b.belongsTo(Task, "assignee", "assigneeId", User, "assignedTasks")
	b.belongsTo(Task, "reporter", "reporterId", User, "reportedTasks")
	b.belongsTo(Message, "project", "projectId", Project, "messages")
	b.belongsTo(Message, "author", "authorId", User, "messages")
	b.belongsTo(Message, "parent", "parentId", Message, "replies")
	b.scoped(Message, "parent", "projectId")
	b.belongsTo(Notification, "user", "userId", User, "notifications")
	b.belongsTo(RefreshToken, "user", "userId", User, "refreshTokens")

	return b.reg
}
