// Package engine is the request facade: it resolves a model and operation, runs the read,
// mutation or aggregation path against the store and shapes the result.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pmquery/internal/aggregate"
	"pmquery/internal/loader"
	"pmquery/internal/logging"
	"pmquery/internal/mutation"
	"pmquery/internal/observability"
	"pmquery/internal/query"
	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
)

// TracerName is the instrumentation scope of engine spans.
const TracerName = "pmquery/engine"

// Request is one operation on one model.
type Request struct {
	Model     string         `json:"model"`
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args,omitempty"`
}

// BatchResult is returned by createMany, updateMany and deleteMany.
type BatchResult struct {
	Count int `json:"count"`
}

// Engine executes requests against a store.
type Engine struct {
	reg        *schema.Registry
	store      store.Store
	args       *query.Parser
	loader     *loader.Loader
	mutations  *mutation.Planner
	aggregates *aggregate.Engine

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.EngineMetrics

	limits      query.Limits
	mutationOps []mutation.Option
	upsertRetry int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the fallback logger. A logger carried in the request context wins.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *observability.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(TracerName)
		}
	}
}

// WithLimits bounds include nesting.
func WithLimits(l query.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithMutationOptions passes options to the mutation planner (clock, id generator).
func WithMutationOptions(opts ...mutation.Option) Option {
	return func(e *Engine) { e.mutationOps = append(e.mutationOps, opts...) }
}

// WithUpsertRetries sets how many times an upsert that lost a race is retried.
func WithUpsertRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.upsertRetry = n
		}
	}
}

// New creates an engine over reg and st.
func New(reg *schema.Registry, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		reg:         reg,
		store:       st,
		logger:      slog.Default(),
		tracer:      otel.Tracer(TracerName),
		limits:      query.DefaultLimits(),
		upsertRetry: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.args = query.NewParser(reg, e.limits)
	e.loader = loader.New(reg)
	e.mutations = mutation.New(e.args, e.mutationOps...)
	e.aggregates = aggregate.New(e.args, e.loader)
	return e
}

// Registry returns the registry requests are validated against.
func (e *Engine) Registry() *schema.Registry { return e.reg }

// Model returns the delegate for a model, or UnknownEntity.
func (e *Engine) Model(name string) (*Model, error) {
	entity, err := e.reg.Entity(name)
	if err != nil {
		return nil, err
	}
	return &Model{engine: e, entity: entity}, nil
}

// Execute runs one request and returns its JSON-compatible result.
func (e *Engine) Execute(ctx context.Context, req Request) (any, error) {
	m, err := e.Model(req.Model)
	if err != nil {
		e.logFailure(ctx, req.Model, req.Operation, err)
		return nil, err
	}
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}

	switch Operation(req.Operation) {
	case OpFindUnique:
		return nilIfEmpty(m.FindUnique(ctx, args))
	case OpFindUniqueOrThrow:
		return m.FindUniqueOrThrow(ctx, args)
	case OpFindFirst:
		return nilIfEmpty(m.FindFirst(ctx, args))
	case OpFindFirstOrThrow:
		return m.FindFirstOrThrow(ctx, args)
	case OpFindMany:
		return m.FindMany(ctx, args)
	case OpCreate:
		return m.Create(ctx, args)
	case OpCreateMany:
		return m.CreateMany(ctx, args)
	case OpUpdate:
		return m.Update(ctx, args)
	case OpUpdateMany:
		return m.UpdateMany(ctx, args)
	case OpUpsert:
		return m.Upsert(ctx, args)
	case OpDelete:
		return m.Delete(ctx, args)
	case OpDeleteMany:
		return m.DeleteMany(ctx, args)
	case OpAggregate:
		return m.Aggregate(ctx, args)
	case OpGroupBy:
		return m.GroupBy(ctx, args)
	case OpCount:
		return m.Count(ctx, args)
	default:
		err := queryerr.Validation(req.Model, "unknown operation %q", req.Operation)
		e.logFailure(ctx, req.Model, req.Operation, err)
		return nil, err
	}
}

// nilIfEmpty keeps a missing record an untyped nil so it encodes as JSON null.
func nilIfEmpty(rec map[string]any, err error) (any, error) {
	if err != nil || rec == nil {
		return nil, err
	}
	return rec, nil
}

// instrument wraps one operation with a span, metrics and logging.
func (e *Engine) instrument(ctx context.Context, model string, op Operation, fn func(ctx context.Context) (int, error)) error {
	ctx, span := e.tracer.Start(ctx, "pmquery."+model+"."+string(op), trace.WithAttributes(
		attribute.String("pmquery.model", model),
		attribute.String("pmquery.operation", string(op)),
	))
	defer span.End()
	done := e.metrics.OperationStarted(ctx)
	defer done()

	start := time.Now()
	rows, err := fn(ctx)
	duration := time.Since(start)

	kind := ""
	if err != nil {
		kind = errorKind(err)
		span.SetAttributes(attribute.String("pmquery.error_kind", kind))
		if origin := queryerr.OriginOf(err); origin != queryerr.OriginNone {
			span.SetAttributes(attribute.String("pmquery.error_origin", string(origin)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logFailure(ctx, model, string(op), err)
	} else {
		span.SetAttributes(attribute.Int("pmquery.rows", rows))
		e.metrics.RecordRows(ctx, model, string(op), int64(rows))
		e.loggerFor(ctx).Debug("operation completed",
			slog.String("model", model),
			slog.String("operation", string(op)),
			slog.Int("rows", rows),
			slog.Duration("duration", duration),
		)
	}
	e.metrics.RecordOperation(ctx, model, string(op), duration, kind)
	return err
}

func (e *Engine) loggerFor(ctx context.Context) *slog.Logger {
	if l := logging.FromContext(ctx); l != nil && l.Logger != slog.Default() {
		return l.Logger
	}
	return e.logger
}

// logFailure logs request errors at warn and unexpected storage failures at error.
func (e *Engine) logFailure(ctx context.Context, model, op string, err error) {
	attrs := []any{
		slog.String("model", model),
		slog.String("operation", op),
		slog.String("error_kind", errorKind(err)),
		slog.String("error", err.Error()),
	}
	if origin := queryerr.OriginOf(err); origin != queryerr.OriginNone {
		attrs = append(attrs, slog.String("error_origin", string(origin)))
	}
	level := slog.LevelWarn
	if queryerr.KindOf(err) == "" {
		level = slog.LevelError
	}
	e.loggerFor(ctx).Log(ctx, level, "operation failed", attrs...)
}

func errorKind(err error) string {
	if kind := queryerr.KindOf(err); kind != "" {
		return string(kind)
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	case errors.Is(err, store.ErrConflict):
		return "TransactionConflict"
	default:
		return "Internal"
	}
}
