// Package telemetry bootstraps an OpenTelemetry tracer provider for the
// debug engine and exposes the package-level tracer every component uses
// to wrap its span of work. Grounded on the teacher's observability
// bootstrap (tracer provider constructed once at process start, OTLP/HTTP
// exporter, resource attributes carrying service name/version).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engine"

// Config controls whether and where traces are exported.
type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// Provider owns the process-wide TracerProvider and its shutdown hook.
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// NewProvider builds a Provider. When cfg.Enabled is false the returned
// Provider uses otel's no-op tracer, so callers can always call Start
// without branching on configuration.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(tracerName), enabled: false}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(tracerName), enabled: true}, nil
}

// Tracer returns the tracer every component should use to start spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Start begins a span named name, a thin convenience over Tracer().Start.
func (p *Provider) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// Shutdown flushes and stops the exporter; a no-op when telemetry is
// disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
