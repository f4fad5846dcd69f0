// Package trace sets up OpenTelemetry tracing for loop runs. Spans are
// exported over OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set;
// otherwise a no-op tracer is used.
package trace

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of every span.
const TracerName = "featureloop/ralph"

// Span names.
const (
	SpanRun       = "ralph.run"
	SpanIteration = "ralph.iteration"
	SpanAgent     = "ralph.agent"
	SpanCI        = "ralph.ci"
	SpanRollback  = "ralph.rollback"
)

// Attribute keys, all in the ralph.* namespace.
var (
	AttrRunID       = attribute.Key("ralph.run.id")
	AttrProject     = attribute.Key("ralph.project")
	AttrIteration   = attribute.Key("ralph.iteration")
	AttrFeatureID   = attribute.Key("ralph.feature.id")
	AttrOutcome     = attribute.Key("ralph.outcome")
	AttrExitCode    = attribute.Key("ralph.agent.exit_code")
	AttrTimedOut    = attribute.Key("ralph.agent.timed_out")
	AttrSentinel    = attribute.Key("ralph.agent.sentinel")
	AttrFailedPhase = attribute.Key("ralph.ci.failed_phase")
	AttrCommit      = attribute.Key("ralph.commit")
)

// Provider owns the tracer provider for a run.
type Provider struct {
	provider *sdktrace.TracerProvider // nil when disabled
	tracer   oteltrace.Tracer
}

// NewProvider creates an OTLP/HTTP-backed provider if
// OTEL_EXPORTER_OTLP_ENDPOINT is set, and a no-op provider otherwise.
func NewProvider(ctx context.Context) (*Provider, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return Disabled(), nil
	}

	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return newProvider(sdktrace.WithBatcher(exporter)), nil
}

// NewWithProcessor creates a provider that hands finished spans to sp.
// Tests pass a tracetest.SpanRecorder.
func NewWithProcessor(sp sdktrace.SpanProcessor) *Provider {
	return newProvider(sdktrace.WithSpanProcessor(sp))
}

// Disabled returns a provider whose spans are dropped.
func Disabled() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(TracerName)}
}

func newProvider(opt sdktrace.TracerProviderOption) *Provider {
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "ralph"
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdktrace.NewTracerProvider(opt, sdktrace.WithResource(res))
	return &Provider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}
}

// Tracer returns the run's tracer.
func (p *Provider) Tracer() oteltrace.Tracer {
	return p.tracer
}

// Enabled reports whether spans leave the process.
func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// Shutdown flushes and closes the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
