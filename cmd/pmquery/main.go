package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pmquery/internal/config"
	"pmquery/internal/engine"
	"pmquery/internal/logging"
	"pmquery/internal/observability"
	"pmquery/internal/serverapp"

	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const usageText = `Usage: pmquery [--version] <command> [flags]

Commands:
  migrate   create missing tables for the configured database
  exec      run one query or mutation and print the JSON result
  serve     run the HTTP API

Run "pmquery <command> --help" for command flags.
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		slog.Error("pmquery failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	root := pflag.NewFlagSet("pmquery", pflag.ContinueOnError)
	root.SetOutput(stderr)
	root.SetInterspersed(false)
	root.Usage = func() { fmt.Fprint(stderr, usageText) }
	showVersion := root.BoolP("version", "v", false, "Print version and exit")

	if err := root.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "pmquery %s (%s)\n", Version, Commit)
		return nil
	}

	rest := root.Args()
	if len(rest) == 0 {
		root.Usage()
		return fmt.Errorf("a command is required")
	}

	var err error
	switch rest[0] {
	case "migrate":
		err = runMigrate(ctx, rest[1:], stderr)
	case "exec":
		err = runExec(ctx, rest[1:], stdin, stdout, stderr)
	case "serve":
		err = runServe(ctx, rest[1:], stderr)
	default:
		root.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func commandFlags(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("pmquery "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.DefineFlags(fs)
	return fs
}

// loadConfig loads and validates configuration. adjust runs before validation so command
// flags can override loaded values.
func loadConfig(fs *pflag.FlagSet, adjust func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}
	if adjust != nil {
		adjust(cfg)
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return nil, fmt.Errorf("configuration validation failed: %w", validationResult)
	}
	return cfg, nil
}

func shutdownLoggerProvider(provider *observability.LoggerProvider, logger *logging.Logger) {
	if provider != nil {
		_ = provider.Shutdown(context.Background(), logger.Logger)
	}
}

func runMigrate(ctx context.Context, args []string, stderr io.Writer) error {
	fs := commandFlags("migrate", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, nil)
	if err != nil {
		return err
	}
	if cfg.Database.IsMemory() {
		return fmt.Errorf("migrate requires a SQL dialect, not %q", cfg.Database.Dialect)
	}

	logger, loggerProvider, err := serverapp.InitLogger(ctx, cfg, stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer shutdownLoggerProvider(loggerProvider, logger)

	reg, err := serverapp.BuildRegistry(cfg)
	if err != nil {
		return err
	}
	backend, err := serverapp.OpenBackend(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema migrated",
		slog.String("dialect", cfg.Database.Dialect),
		slog.Int("entities", len(reg.Entities())),
	)
	return nil
}

func runExec(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := commandFlags("exec", stderr)
	model := fs.String("model", "", "Entity name, e.g. Task")
	op := fs.String("op", "", "Operation name, e.g. findMany")
	argsJSON := fs.String("args", "", "Operation arguments as a JSON object (- reads stdin)")
	argsFile := fs.String("args-file", "", "File holding the operation arguments as JSON (- reads stdin)")
	memory := fs.Bool("memory", false, "Run against a fresh in-memory store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" || *op == "" {
		return fmt.Errorf("--model and --op are required")
	}
	if *argsJSON != "" && *argsFile != "" {
		return fmt.Errorf("--args and --args-file are mutually exclusive")
	}

	cfg, err := loadConfig(fs, func(cfg *config.Config) {
		if *memory {
			cfg.Database.Dialect = config.DialectMemory
		}
	})
	if err != nil {
		return err
	}
	if (*argsJSON == "-" || *argsFile == "-") &&
		(cfg.Database.ConnectionStringFile == "@-" || cfg.Database.PasswordFile == "@-") {
		return fmt.Errorf("stdin cannot carry both the arguments and a database secret")
	}

	reqArgs, err := readArgs(*argsJSON, *argsFile, stdin)
	if err != nil {
		return err
	}

	logger, loggerProvider, err := serverapp.InitLogger(ctx, cfg, stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer shutdownLoggerProvider(loggerProvider, logger)

	reg, err := serverapp.BuildRegistry(cfg)
	if err != nil {
		return err
	}
	backend, err := serverapp.OpenBackend(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	if cfg.Database.AutoMigrate {
		if err := backend.Migrate(ctx); err != nil {
			return err
		}
	}

	eng := serverapp.BuildEngine(cfg, reg, backend, logger, nil)
	result, err := eng.Execute(ctx, engine.Request{Model: *model, Operation: *op, Args: reqArgs})
	if err != nil {
		return fmt.Errorf("%s.%s: %w", *model, *op, err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// readArgs decodes the request arguments from an inline value or a file. "-" in either
// position reads stdin. No source means no arguments.
func readArgs(inline, file string, stdin io.Reader) (map[string]any, error) {
	var data []byte
	var err error
	switch {
	case inline == "-" || file == "-":
		data, err = io.ReadAll(stdin)
	case inline != "":
		data = []byte(inline)
	case file != "":
		data, err = os.ReadFile(file)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read arguments: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("arguments must be a JSON object")
		}
		return nil, fmt.Errorf("invalid arguments JSON: %s", strings.TrimSpace(err.Error()))
	}
	return args, nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := commandFlags("serve", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, nil)
	if err != nil {
		return err
	}

	logger, loggerProvider, err := serverapp.InitLogger(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	app, err := serverapp.New(cfg, logger)
	if err != nil {
		shutdownLoggerProvider(loggerProvider, logger)
		return err
	}
	app.AttachLoggerProvider(loggerProvider)

	if err := app.Init(ctx); err != nil {
		return err
	}

	serverErrors, err := app.Start()
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	_, waitErr := app.WaitForStop(stop, serverErrors)

	logger.Info("shutting down server gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	shutdownErr := app.Shutdown(shutdownCtx)
	shutdownCancel()

	if waitErr != nil {
		return waitErr
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	logger.Info("server stopped gracefully")
	return nil
}
