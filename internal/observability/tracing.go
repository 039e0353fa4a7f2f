package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TraceConfig configures the OTLP trace exporter.
type TraceConfig struct {
	// Enabled turns tracing on; everything below is ignored when false.
	Enabled bool
	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string
	// ServiceName tags exported spans. Default "stakpak".
	ServiceName string
	// SampleRatio is the fraction of runs to sample, (0,1]. Default 1.
	SampleRatio float64
}

// Tracer wraps the configured trace provider with run-shaped helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer initializes the global OTLP trace pipeline and returns the
// tracer plus a shutdown func to flush spans on exit. Disabled config
// yields a no-op tracer and shutdown.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: otel.Tracer("stakpak")}, func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stakpak"
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer("stakpak")}, provider.Shutdown, nil
}

// StartRun opens the root span for one agent run.
func (t *Tracer) StartRun(ctx context.Context, sessionID, runID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("run.id", runID),
	))
}

// StartLLMCall opens a span for one provider request.
func (t *Tracer) StartLLMCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm.request", trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	))
}

// StartToolCall opens a span for one tool execution.
func (t *Tracer) StartToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", toolName),
	))
}

// RecordError marks a span failed with the error attached.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
