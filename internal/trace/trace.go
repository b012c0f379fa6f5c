// Package trace emits OpenTelemetry spans for cycles and their phases.
//
// Export is opt-in: without OTEL_EXPORTER_OTLP_ENDPOINT in the environment
// Init returns a nil Tracer, and a nil Tracer is a valid no-op everywhere.
// The engine's own durability contract is the artifact bundle; spans exist
// for operators who already run a collector.
package trace

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// endpointEnv gates tracing; it is the standard OTLP exporter variable.
const endpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Tracer wraps the OTLP pipeline. Methods on a nil Tracer are no-ops.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// Init builds the tracer when OTEL_EXPORTER_OTLP_ENDPOINT is set, and
// returns (nil, nil) otherwise. OTEL_SERVICE_NAME overrides serviceName.
func Init(ctx context.Context, serviceName string) (*Tracer, error) {
	endpoint := os.Getenv(endpointEnv)
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("patchpilot/loop"),
	}, nil
}

// Span ends an open span. err marks the span failed when non-nil.
type Span func(err error)

// nopSpan is returned by a nil Tracer.
func nopSpan(error) {}

// StartCycle opens the root span for one cycle.
func (t *Tracer) StartCycle(ctx context.Context, index int) (context.Context, Span) {
	if t == nil {
		return ctx, nopSpan
	}
	ctx, span := t.tracer.Start(ctx, "cycle",
		oteltrace.WithAttributes(attribute.Int("patchpilot.cycle", index)))
	return ctx, endFunc(span)
}

// StartPhase opens a phase span nested under the cycle span in ctx.
func (t *Tracer) StartPhase(ctx context.Context, phase string) (context.Context, Span) {
	if t == nil {
		return ctx, nopSpan
	}
	ctx, span := t.tracer.Start(ctx, phase,
		oteltrace.WithAttributes(attribute.String("patchpilot.phase", phase)))
	return ctx, endFunc(span)
}

func endFunc(span oteltrace.Span) Span {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Shutdown flushes buffered spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
