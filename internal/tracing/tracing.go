// Package tracing wraps OpenTelemetry so the engine and run manager can open
// spans without depending on exporter setup.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rendis/flowcore"

// Init installs a global tracer provider that writes spans to w as JSON.
// The returned function flushes and shuts the provider down.
func Init(serviceName, serviceVersion string, w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return InitWithExporter(serviceName, serviceVersion, exporter)
}

// InitWithExporter installs a global tracer provider backed by exporter.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan opens a span named name on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err (if any) as the span status and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RunID is the span attribute for a run ID.
func RunID(id string) attribute.KeyValue { return attribute.String("flowcore.run_id", id) }

// FlowID is the span attribute for a flow reference.
func FlowID(id string) attribute.KeyValue { return attribute.String("flowcore.flow_id", id) }

// NodeID is the span attribute for a node ID.
func NodeID(id string) attribute.KeyValue { return attribute.String("flowcore.node_id", id) }

// NodeKind is the span attribute for a node kind.
func NodeKind(kind string) attribute.KeyValue { return attribute.String("flowcore.node_kind", kind) }

// HandlerKey is the span attribute for a resolved handler key.
func HandlerKey(key string) attribute.KeyValue { return attribute.String("flowcore.handler_key", key) }
