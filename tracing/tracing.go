// Package tracing sets up OTLP tracing for the engine and provides the
// span helpers the dispatcher and executor use. When tracing is
// disabled the helpers produce no-op spans.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomworks/loom/config"
)

var tracer oteltrace.Tracer = otel.Tracer("loom")

// Initialize installs the global tracer provider. Safe to call with
// tracing disabled; spans become no-ops.
func Initialize(cfg config.TracingConfig, logger *zap.Logger) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "loom"
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return tp.Shutdown, nil
}

// StartMessageSpan opens a span for one dispatched queue message.
func StartMessageSpan(ctx context.Context, queue, messageID string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "loom.dispatch",
		oteltrace.WithAttributes(
			attribute.String("loom.queue", queue),
			attribute.String("loom.message_id", messageID),
		))
}

// StartStepSpan opens a span for one step attempt, nested under the
// message span.
func StartStepSpan(ctx context.Context, runID, instanceID string, attempt int) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "loom.step",
		oteltrace.WithAttributes(
			attribute.String("loom.run_id", runID),
			attribute.String("loom.step_instance", instanceID),
			attribute.Int("loom.attempt", attempt),
		))
}

// StartTickSpan opens a span for one replay tick.
func StartTickSpan(ctx context.Context, runID string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "loom.tick",
		oteltrace.WithAttributes(attribute.String("loom.run_id", runID)))
}
