package serverapp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"pmquery/internal/config"
	"pmquery/internal/engine"
	"pmquery/internal/logging"
	"pmquery/internal/middleware"
	"pmquery/internal/naming"
	"pmquery/internal/observability"
	"pmquery/internal/query"
	"pmquery/internal/schema"
	"pmquery/internal/server"
	"pmquery/internal/store"
	"pmquery/internal/store/memstore"
	"pmquery/internal/store/sqlstore"
	"pmquery/internal/tlscert"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// InitLogger builds the process logger from configuration, writing to out. When log export is
// enabled the logger also feeds an OTLP logger provider, which the caller must shut down.
func InitLogger(ctx context.Context, cfg *config.Config, out io.Writer) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: out,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(ctx, observabilityConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry logging initialized successfully")

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.EngineMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized successfully")

	engineMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	return meterProvider, engineMetrics, nil
}

func initTracing(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Bool("insecure", tracesConfig.Insecure),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(ctx, observabilityConfig(cfg, tracesConfig))
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

// BuildRegistry returns the entity registry with configured delete policy overrides applied.
func BuildRegistry(cfg *config.Config) (*schema.Registry, error) {
	policies, err := cfg.Engine.ParseDeletePolicies()
	if err != nil {
		return nil, err
	}
	reg := schema.Default()
	if len(policies) == 0 {
		return reg, nil
	}
	reg, err = reg.WithDeletePolicies(policies)
	if err != nil {
		return nil, fmt.Errorf("invalid delete policies: %w", err)
	}
	return reg, nil
}

// Backend is an opened storage backend together with its lifecycle hooks.
type Backend struct {
	store.Store

	sql   *sqlstore.Store
	close func() error
}

// OpenBackend opens the store selected by the database dialect. The memory dialect needs no
// connection and starts empty on every run.
func OpenBackend(ctx context.Context, cfg *config.Config, reg *schema.Registry, logger *logging.Logger) (*Backend, error) {
	if cfg.Database.IsMemory() {
		logger.Warn("using in-memory storage; data is lost on exit")
		return &Backend{Store: memstore.New(reg, memstore.WithLogger(logger.Logger))}, nil
	}

	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, err
	}

	mapping := naming.New(cfg.Database.Naming, logger.Logger).Map(reg)
	st, closeDB, err := sqlstore.Open(ctx, reg, mapping, sqlstore.OpenOptions{
		Dialect:             cfg.Database.Dialect,
		DSN:                 cfg.Database.DSN(),
		MetricsEnabled:      cfg.Observability.MetricsEnabled,
		TracingEnabled:      cfg.Observability.TracingEnabled,
		SQLCommenterEnabled: cfg.Observability.SQLCommenterEnabled,
		MaxOpen:             cfg.Database.Pool.MaxOpen,
		MaxIdle:             cfg.Database.Pool.MaxIdle,
		MaxLifetime:         cfg.Database.Pool.MaxLifetime,
		WaitTimeout:         cfg.Database.ConnectionTimeout,
		WaitInterval:        cfg.Database.ConnectionRetryInterval,
	}, logger.Logger)
	if err != nil {
		return nil, err
	}
	return &Backend{Store: st, sql: st, close: closeDB}, nil
}

// Migrate creates missing tables. It is a no-op for the memory store.
func (b *Backend) Migrate(ctx context.Context) error {
	if b.sql == nil {
		return nil
	}
	return b.sql.Migrate(ctx)
}

// PingContext checks the database connection. The memory store is always reachable.
func (b *Backend) PingContext(ctx context.Context) error {
	if b.sql == nil {
		return nil
	}
	return b.sql.DB().PingContext(ctx)
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// BuildEngine wires the engine over backend with the configured limits and telemetry.
func BuildEngine(cfg *config.Config, reg *schema.Registry, backend *Backend, logger *logging.Logger, metrics *observability.EngineMetrics) *engine.Engine {
	return engine.New(reg, backend.Store,
		engine.WithLogger(logger.Logger),
		engine.WithMetrics(metrics),
		engine.WithLimits(query.Limits{
			MaxDepth:     cfg.Engine.MaxDepth,
			MaxSelfDepth: cfg.Engine.MaxSelfDepth,
		}),
		engine.WithUpsertRetries(cfg.Engine.UpsertRetries),
	)
}

func buildRouter(cfg *config.Config, exec server.Executor, backend *Backend, meterProvider *observability.MeterProvider) http.Handler {
	opts := server.Options{
		Health:        backend,
		HealthTimeout: cfg.Server.HealthCheckTimeout,
	}
	if meterProvider != nil {
		opts.Metrics = meterProvider.Handler()
	}
	return server.New(exec, opts)
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) (http.Handler, error) {
	handler = middleware.TimeoutMiddleware(cfg.Server.RequestTimeout)(handler)
	handler = middleware.BodyLimitMiddleware(cfg.Server.MaxBodyBytes)(handler)

	authCfg, err := jwtAuthConfig(cfg.Server)
	if err != nil {
		return nil, err
	}
	authMiddleware, err := middleware.JWTAuthMiddleware(authCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure auth: %w", err)
	}
	handler = authMiddleware(handler)
	if authCfg.Enabled {
		logger.Info("bearer token authentication enabled",
			slog.String("issuer", authCfg.Issuer),
			slog.String("audience", authCfg.Audience),
		)
	}

	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORSEnabled {
		handler = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          cfg.Server.CORSEnabled,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   cfg.Server.CORSAllowedMethods,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			ExposeHeaders:    cfg.Server.CORSExposeHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
		})(handler)
	}

	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: cfg.Server.RateLimitEnabled,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		})(handler)
	}

	return handler, nil
}

// jwtAuthConfig reads the configured verification key from disk.
func jwtAuthConfig(s config.ServerConfig) (middleware.JWTAuthConfig, error) {
	authCfg := middleware.JWTAuthConfig{
		Enabled:   s.AuthEnabled,
		Issuer:    s.AuthIssuer,
		Audience:  s.AuthAudience,
		ClockSkew: s.AuthClockSkew,
		Exempt:    []string{"/healthz", "/metrics"},
	}
	if !s.AuthEnabled {
		return authCfg, nil
	}
	if s.AuthJWTSecretFile != "" {
		secret, err := os.ReadFile(s.AuthJWTSecretFile)
		if err != nil {
			return authCfg, fmt.Errorf("failed to read jwt secret file: %w", err)
		}
		authCfg.Secret = bytes.TrimSpace(secret)
	}
	if s.AuthJWTPublicKeyFile != "" {
		key, err := os.ReadFile(s.AuthJWTPublicKeyFile)
		if err != nil {
			return authCfg, fmt.Errorf("failed to read jwt public key file: %w", err)
		}
		authCfg.PublicKeyPEM = key
	}
	return authCfg, nil
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality: model and operation path segments
// collapse into the route pattern.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/v1/query", "/healthz", "/metrics":
		return rawPath
	}
	segments := strings.Split(strings.Trim(rawPath, "/"), "/")
	if len(segments) == 3 && segments[0] == "v1" && segments[1] != "" && segments[2] != "" {
		return "/v1/{model}/{operation}"
	}
	return "/*"
}

func tlsEnabled(cfg *config.Config) bool {
	return cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
}

func buildServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if tlsEnabled(cfg) {
		tlsConfig, source, err := tlscert.ServerConfig(tlscert.Config{
			Mode:     tlscert.Mode(cfg.Server.TLSMode),
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
			AutoDir:  cfg.Server.TLSAutoCertDir,
		}, logger.Logger)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tlsConfig

		logger.Info("TLS enabled",
			slog.String("mode", cfg.Server.TLSMode),
			slog.String("cert_source", source))
	}

	return srv, nil
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	useTLS := tlsEnabled(cfg)
	go func() {
		protocol := "http"
		if useTLS {
			protocol = "https"
		}

		logAttrs := []any{
			slog.String("protocol", protocol),
			slog.String("address", serverAddr),
			slog.String("query_endpoint", "/v1/query"),
			slog.String("health_endpoint", "/healthz"),
			slog.String("dialect", cfg.Database.Dialect),
			slog.Int("max_depth", cfg.Engine.MaxDepth),
			slog.String("log_level", cfg.Observability.Logging.Level),
			slog.String("log_format", cfg.Observability.Logging.Format),
		}

		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}

		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}

		logAttrs = append(logAttrs, slog.Bool("tls_enabled", useTLS))
		if useTLS {
			logAttrs = append(logAttrs, slog.String("tls_mode", cfg.Server.TLSMode))
		}

		logger.Info("server starting", logAttrs...)

		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}
