package serverapp

import (
	"context"
	"fmt"
	"log/slog"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			_ = cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push(stepLoggerProvider, func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, engineMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push(stepMeterProvider, func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push(stepTracerProvider, func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	reg, err := BuildRegistry(a.cfg)
	if err != nil {
		return err
	}

	a.logger.Info("opening storage backend",
		slog.String("dialect", a.cfg.Database.Dialect),
		slog.String("host", a.cfg.Database.Host),
		slog.String("database", a.cfg.Database.Database),
	)
	backend, err := OpenBackend(ctx, a.cfg, reg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	cleanup.push(stepStorage, func(_ context.Context) error {
		return backend.Close()
	})

	if a.cfg.Database.AutoMigrate {
		if err := backend.Migrate(ctx); err != nil {
			return err
		}
	}

	eng := BuildEngine(a.cfg, reg, backend, a.logger, engineMetrics)
	router := buildRouter(a.cfg, eng, backend, meterProvider)
	handler, err := wrapHTTPHandler(a.cfg, a.logger, router)
	if err != nil {
		return err
	}

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv, err := buildServer(a.cfg, a.logger, handler, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cleanup.push(stepHTTPServer, func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.engineMetrics = engineMetrics
	a.tracerProvider = tracerProvider
	a.backend = backend
	a.engine = eng
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
