package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
)

// Migrate creates every table, constraint and foreign key index that does not exist yet.
// It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.planner.PlanCreateTables() {
		if _, err := s.exec.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Info("schema applied", slog.String("dialect", s.planner.Dialect().Name()))
	return nil
}
