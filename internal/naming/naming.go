package naming

import (
	"log/slog"
	"strings"
	"unicode"

	"pmquery/internal/schema"
)

// Namer converts entity and field names into SQL identifiers.
type Namer struct {
	config Config
	logger *slog.Logger
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{config: cfg, logger: logger}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// TableName derives the table for an entity.
// Example: "WorkspaceMember" -> "workspace_members"
func (n *Namer) TableName(entity string) string {
	if override, ok := lookup(n.config.TableOverrides, entity); ok {
		return override
	}
	return ToSnakeCase(n.Pluralize(entity))
}

// ColumnName derives the column for a field.
// Example: "passwordHash" -> "password_hash"
func (n *Namer) ColumnName(entity, field string) string {
	for name, fields := range n.config.ColumnOverrides {
		if !strings.EqualFold(name, entity) {
			continue
		}
		if override, ok := lookup(fields, field); ok {
			return override
		}
	}
	return ToSnakeCase(field)
}

// lookup finds key in m, falling back to a case-insensitive match.
func lookup(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Mapping is the resolved, read-only set of identifiers for one registry.
type Mapping struct {
	tables  map[string]string
	columns map[string]map[string]string
}

// Map resolves identifiers for every entity in registry order. Collisions get numeric
// suffixes, so the result depends only on the registry and configuration.
func (n *Namer) Map(reg *schema.Registry) *Mapping {
	resolver := NewCollisionResolver(n.logger)
	m := &Mapping{
		tables:  map[string]string{},
		columns: map[string]map[string]string{},
	}
	for _, entity := range reg.Entities() {
		table := resolver.RegisterTable(n.TableName(entity.Name), entity.Name)
		n.warnReserved("table", table, entity.Name)
		m.tables[entity.Name] = table
		cols := make(map[string]string, len(entity.Fields))
		for _, f := range entity.Fields {
			col := resolver.RegisterColumn(table, n.ColumnName(entity.Name, f.Name), f.Name)
			n.warnReserved("column", col, entity.Name+"."+f.Name)
			cols[f.Name] = col
		}
		m.columns[entity.Name] = cols
	}
	return m
}

func (n *Namer) warnReserved(kind, name, source string) {
	if IsReserved(name) {
		n.logger.Debug("SQL identifier is a reserved word and will be quoted",
			slog.String("kind", kind),
			slog.String("name", name),
			slog.String("source", source),
		)
	}
}

// Table returns the table for an entity, deriving it when the entity was not mapped.
func (m *Mapping) Table(entity string) string {
	if t, ok := m.tables[entity]; ok {
		return t
	}
	return ToSnakeCase(entity)
}

// Column returns the column for a field, deriving it when the field was not mapped.
func (m *Mapping) Column(entity, field string) string {
	if c, ok := m.columns[entity][field]; ok {
		return c
	}
	return ToSnakeCase(field)
}

// ToSnakeCase converts camelCase or PascalCase to snake_case. Acronym runs stay together:
// "imageURL" -> "image_url".
func ToSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
