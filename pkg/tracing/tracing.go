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

const scopePrefix = "ratepilot/"

// Span attributes shared by the engines.
var (
	SessionIDKey    = attribute.Key("ratepilot.session_id")
	StrategyKey     = attribute.Key("ratepilot.strategy")
	BitrateKey      = attribute.Key("ratepilot.bitrate")
	LossTotalKey    = attribute.Key("ratepilot.loss_total")
	QualityScoreKey = attribute.Key("ratepilot.quality_score")
	QualityLevelKey = attribute.Key("ratepilot.quality_level")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// TracerProvider owns the SDK provider installed by Init, if any.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-exporting tracer provider as the global provider.
// When tracing is disabled the global no-op provider stays in place.
func Init(cfg Config, version string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
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

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a tracer scoped to one ratepilot component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(scopePrefix + component)
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartHTTPSpan starts a server span named after the matched route, so all
// requests to one endpoint share a span name.
func StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	if route == "" {
		route = "unmatched"
	}
	return Tracer("http").Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}
