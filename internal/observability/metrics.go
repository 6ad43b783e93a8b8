package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of engine metrics.
const MeterName = "pmquery"

// EngineMetrics holds the engine's operation metrics
type EngineMetrics struct {
	operationDuration metric.Float64Histogram
	operationCounter  metric.Int64Counter
	errorCounter      metric.Int64Counter
	activeOperations  metric.Int64UpDownCounter
	rowsReturned      metric.Int64Histogram
	txRetries         metric.Int64Counter
}

// NewEngineMetrics creates the engine instruments on the given meter provider. A nil provider
// uses the global one.
func NewEngineMetrics(provider metric.MeterProvider) (*EngineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(MeterName)

	operationDuration, err := meter.Float64Histogram(
		"pmquery.operation.duration",
		metric.WithDescription("Duration of engine operations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	operationCounter, err := meter.Int64Counter(
		"pmquery.operations.total",
		metric.WithDescription("Total number of engine operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"pmquery.errors.total",
		metric.WithDescription("Total number of failed engine operations by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	activeOperations, err := meter.Int64UpDownCounter(
		"pmquery.operations.active",
		metric.WithDescription("Number of engine operations in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active operations counter: %w", err)
	}

	rowsReturned, err := meter.Int64Histogram(
		"pmquery.rows.returned",
		metric.WithDescription("Number of rows returned or affected by an operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows returned histogram: %w", err)
	}

	txRetries, err := meter.Int64Counter(
		"pmquery.transaction.retries",
		metric.WithDescription("Number of transactions retried after a conflict"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction retry counter: %w", err)
	}

	return &EngineMetrics{
		operationDuration: operationDuration,
		operationCounter:  operationCounter,
		errorCounter:      errorCounter,
		activeOperations:  activeOperations,
		rowsReturned:      rowsReturned,
		txRetries:         txRetries,
	}, nil
}

// InitMetrics initializes engine metrics on the global meter provider
func InitMetrics(logger *slog.Logger) (*EngineMetrics, error) {
	metrics, err := NewEngineMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine metrics: %w", err)
	}
	logger.Info("engine metrics initialized")
	return metrics, nil
}

// RecordOperation records one finished operation. errorKind is empty on success.
func (m *EngineMetrics) RecordOperation(ctx context.Context, model, operation string, duration time.Duration, errorKind string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
		attribute.Bool("has_error", errorKind != ""),
	)
	m.operationDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.operationCounter.Add(ctx, 1, attrs)
	if errorKind != "" {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("operation", operation),
			attribute.String("error_kind", errorKind),
		))
	}
}

// RecordRows records how many rows an operation returned or affected.
func (m *EngineMetrics) RecordRows(ctx context.Context, model, operation string, rows int64) {
	if m == nil {
		return
	}
	m.rowsReturned.Record(ctx, rows, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	))
}

// RecordRetry counts a transaction retried after a conflict.
func (m *EngineMetrics) RecordRetry(ctx context.Context, model, operation string) {
	if m == nil {
		return
	}
	m.txRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	))
}

// OperationStarted increments the in-flight gauge; the returned func decrements it.
func (m *EngineMetrics) OperationStarted(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.activeOperations.Add(ctx, 1)
	return func() { m.activeOperations.Add(ctx, -1) }
}
