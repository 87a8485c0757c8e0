package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OperationMetrics provides a generic way to record any operation's metrics
// without needing to create separate structs for each operation type.
// Just call RecordOperation() with the operation name, duration, and custom attributes.
type OperationMetrics struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter
}

// NewOperationMetrics creates a generic operation metrics recorder.
func NewOperationMetrics() (*OperationMetrics, error) {
	meter := otel.Meter("distrobaker")

	duration, err := meter.Float64Histogram(
		"distrobaker.operation.duration",
		metric.WithDescription("Duration of distrobaker operations (repo sync, cache sync, build submission, etc.)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	count, err := meter.Int64Counter(
		"distrobaker.operation.count",
		metric.WithDescription("Count of distrobaker operations by type and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create count counter: %w", err)
	}

	return &OperationMetrics{
		duration: duration,
		count:    count,
	}, nil
}

// RecordOperation records any operation with custom attributes.
//
// Examples:
//
//	// Repository synchronization
//	ops.RecordOperation(ctx, "repo.sync", "success", syncDuration,
//	    attribute.String("component", "rpms/gzip"))
//
//	// Lookaside cache synchronization
//	ops.RecordOperation(ctx, "cache.sync", "failure", cacheDuration,
//	    attribute.String("component", "rpms/gzip"),
//	    attribute.String("error", "timeout"))
//
//	// Build submission
//	ops.RecordOperation(ctx, "build.submit", "success", duration,
//	    attribute.String("component", "rpms/gzip"),
//	    attribute.Int64("task_id", 93752))
func (m *OperationMetrics) RecordOperation(ctx context.Context, operation, result string, duration time.Duration, customAttrs ...attribute.KeyValue) {
	if m == nil {
		return
	}

	// Base attributes that every operation has
	baseAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	// Combine base and custom attributes
	allAttrs := baseAttrs
	allAttrs = append(allAttrs, customAttrs...)

	// Record duration
	m.duration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(allAttrs...))

	// Increment count
	m.count.Add(ctx, 1,
		metric.WithAttributes(allAttrs...))
}

// RecordCount records a count metric without duration.
// Useful for message counts, skipped components, etc.
//
// Examples:
//
//	// Message handled
//	ops.RecordCount(ctx, "message.received", 1,
//	    attribute.String("topic", "buildsys.tag"))
//
//	// Components skipped in a batch run
//	ops.RecordCount(ctx, "component.skipped", 3,
//	    attribute.String("namespace", "rpms"))
func (m *OperationMetrics) RecordCount(ctx context.Context, operation string, value int64, customAttrs ...attribute.KeyValue) {
	if m == nil {
		return
	}

	baseAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	allAttrs := baseAttrs
	allAttrs = append(allAttrs, customAttrs...)

	m.count.Add(ctx, value,
		metric.WithAttributes(allAttrs...))
}

// Context helpers

type contextKey struct{}

// ContextWithOperations adds OperationMetrics to the context.
func ContextWithOperations(ctx context.Context, ops *OperationMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, ops)
}

// FromContext extracts OperationMetrics from the context. Returns nil if not found.
func FromContext(ctx context.Context) *OperationMetrics {
	ops, _ := ctx.Value(contextKey{}).(*OperationMetrics)
	return ops
}
