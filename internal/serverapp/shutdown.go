package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pmquery/internal/logging"
)

// Cleanup steps registered by Init. They run in reverse, so the HTTP server drains
// in-flight queries before storage closes and telemetry flushes last.
const (
	stepLoggerProvider = "logger provider"
	stepMeterProvider  = "meter provider"
	stepTracerProvider = "tracer provider"
	stepStorage        = "storage backend"
	stepHTTPServer     = "HTTP server"
)

type cleanupStack struct {
	items []cleanupItem
}

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanupItem{name: name, fn: fn})
}

// names lists the steps in the order run visits them.
func (s *cleanupStack) names() []string {
	out := make([]string, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		out = append(out, s.items[i].name)
	}
	return out
}

// run executes every step even when an earlier one fails and returns the failures joined.
func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		start := time.Now()
		err := item.fn(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", item.name, err))
		}
		if logger == nil {
			continue
		}
		if err != nil {
			logger.Warn("cleanup step failed",
				slog.String("step", item.name),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Info("cleanup step finished",
			slog.String("step", item.name),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return errors.Join(errs...)
}

// Shutdown releases everything Init acquired. Later calls return the first call's result.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		if len(cleanup.items) > 0 {
			a.logger.Info("releasing resources", slog.Any("steps", cleanup.names()))
		}
		a.shutdownErr = cleanup.run(ctx, a.logger)
	})

	return a.shutdownErr
}
