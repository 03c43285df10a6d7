// Package tracing configures the OpenTelemetry tracer provider shared by the
// inbound handlers and the outbound identity and Graph clients.
package tracing

import (
	"context"
	"fmt"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	propjaeger "go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// EndpointType represents the type of the tracing endpoint.
type EndpointType string

const (
	EndpointTypeCollector EndpointType = "collector"
	EndpointTypeAgent     EndpointType = "agent"
	EndpointTypeOTel      EndpointType = "otel"
)

// Config selects where spans are exported. An empty Endpoint disables
// tracing.
type Config struct {
	ServiceName      string
	Endpoint         string
	EndpointType     EndpointType
	SamplingFraction float64
}

// Validate reports configuration errors without contacting the endpoint.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return nil
	}
	switch c.EndpointType {
	case EndpointTypeAgent, EndpointTypeCollector, EndpointTypeOTel:
	default:
		return fmt.Errorf("invalid endpoint type: %q", c.EndpointType)
	}
	if c.SamplingFraction < 0 || c.SamplingFraction > 1 {
		return fmt.Errorf("sampling fraction must be within [0, 1], got %v", c.SamplingFraction)
	}
	return nil
}

// ShutdownFunc flushes buffered spans and releases the exporter.
type ShutdownFunc func(context.Context) error

// InitTracer installs a global tracer provider according to cfg and returns
// it along with a function that flushes it. Without an endpoint a no-op
// provider is installed and the returned ShutdownFunc does nothing.
func InitTracer(ctx context.Context, cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
	nopTracerProvider := trace.NewNoopTracerProvider()
	nop := func(context.Context) error { return nil }
	otel.SetTracerProvider(nopTracerProvider)

	if cfg.Endpoint == "" {
		return nopTracerProvider, nop, nil
	}
	if err := cfg.Validate(); err != nil {
		return nopTracerProvider, nop, err
	}

	r, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nopTracerProvider, nop, fmt.Errorf("create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.EndpointType {
	case EndpointTypeAgent, EndpointTypeCollector:
		exporter, err = jaegerExporter(cfg.EndpointType, cfg.Endpoint)
	case EndpointTypeOTel:
		exporter, err = otlpExporter(ctx, cfg.Endpoint)
	}
	if err != nil {
		return nopTracerProvider, nop, fmt.Errorf("setup %s exporter: %w", cfg.EndpointType, err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingFraction))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propjaeger.Jaeger{},
		propagation.Baggage{},
	))

	return provider, provider.Shutdown, nil
}

func jaegerExporter(endpointType EndpointType, endpoint string) (*jaeger.Exporter, error) {
	var endpointOption jaeger.EndpointOption
	switch endpointType {
	case EndpointTypeAgent:
		host, port, err := net.SplitHostPort(endpoint)
		if err != nil {
			return nil, fmt.Errorf("cannot parse tracing endpoint host and port: %w", err)
		}
		endpointOption = jaeger.WithAgentEndpoint(
			jaeger.WithAgentHost(host),
			jaeger.WithAgentPort(port),
		)
	default:
		endpointOption = jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint))
	}
	return jaeger.New(endpointOption)
}

func otlpExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
}

// ErrorHandler routes OpenTelemetry export errors to the process logger.
type ErrorHandler struct {
	Logger log.Logger
}

func (h ErrorHandler) Handle(err error) {
	level.Error(h.Logger).Log("msg", "opentelemetry", "err", err.Error())
}
