package naming

import (
	"fmt"
	"log/slog"
)

// CollisionResolver tracks registered SQL names and resolves collisions
// by applying numeric suffixes when duplicates are detected.
type CollisionResolver struct {
	seenTables  map[string]string            // table name → source entity
	seenColumns map[string]map[string]string // table name → column name → source field
	logger      *slog.Logger
}

// NewCollisionResolver creates a new collision resolver.
func NewCollisionResolver(logger *slog.Logger) *CollisionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollisionResolver{
		seenTables:  make(map[string]string),
		seenColumns: make(map[string]map[string]string),
		logger:      logger,
	}
}

// RegisterTable registers a table name and returns the resolved name.
func (c *CollisionResolver) RegisterTable(tableName, entity string) string {
	return c.resolveCollision(tableName, c.seenTables, "entity:"+entity)
}

// RegisterColumn registers a column name within a table and returns the resolved name.
func (c *CollisionResolver) RegisterColumn(tableName, columnName, field string) string {
	if c.seenColumns[tableName] == nil {
		c.seenColumns[tableName] = make(map[string]string)
	}
	return c.resolveCollision(columnName, c.seenColumns[tableName], "field:"+field)
}

// resolveCollision attempts to register a name in the given map.
// If the name already exists, finds the next available numeric suffix.
func (c *CollisionResolver) resolveCollision(name string, seen map[string]string, source string) string {
	if _, exists := seen[name]; !exists {
		seen[name] = source
		return name
	}

	existingSource := seen[name]
	c.logger.Warn("naming collision detected, applying suffix",
		slog.String("name", name),
		slog.String("existing_source", existingSource),
		slog.String("new_source", source),
	)

	for i := 2; ; i++ {
		suffixed := fmt.Sprintf("%s_%d", name, i)
		if _, exists := seen[suffixed]; !exists {
			seen[suffixed] = source
			return suffixed
		}
	}
}
