// Package tracing sets up OpenTelemetry with a Jaeger exporter and starts
// the spans the server records: one per HTTP request, inbound socket frame,
// session operation and database statement.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "notecollab"

var (
	documentIDKey   = attribute.Key("labnote.document_id")
	connectionIDKey = attribute.Key("labnote.connection_id")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
	Version     string
}

// TracerProvider owns the SDK provider. The zero value, returned when
// tracing is disabled, leaves the global no-op provider in place.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a global provider exporting to cfg.JaegerURL.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceHTTPRequest continues a trace propagated in header, if any.
func TraceHTTPRequest(ctx context.Context, header propagation.TextMapCarrier, method, route string) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, header)
	return otel.Tracer(tracerName).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

func TraceWebSocketMessage(ctx context.Context, messageType, connectionID, documentID string) (context.Context, trace.Span) {
	return start(ctx, "frame "+messageType,
		attribute.String("labnote.frame_type", messageType),
		connectionIDKey.String(connectionID),
		documentIDKey.String(documentID),
	)
}

func TraceSessionOperation(ctx context.Context, operation, documentID string) (context.Context, trace.Span) {
	return start(ctx, "session "+operation, documentIDKey.String(documentID))
}

func TraceDatabaseOperation(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return start(ctx, "db "+operation+" "+table,
		semconv.DBSystemPostgreSQL,
		semconv.DBOperationKey.String(operation),
		semconv.DBSQLTableKey.String(table),
	)
}
