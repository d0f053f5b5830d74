// Package telemetry wires OpenTelemetry tracing and metrics to an OTLP collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/jsamuelsen/quotesync/internal/platform/config"
)

// InstrumentationName scopes every tracer and meter created by this module.
const InstrumentationName = "github.com/jsamuelsen/quotesync"

const shutdownTimeout = 5 * time.Second

// Config is the subset of settings the OTLP exporters and resource need.
type Config struct {
	Enabled bool

	// Endpoint is the collector URL. An http scheme selects plaintext gRPC.
	Endpoint     string
	ServiceName  string
	Version      string
	Environment  string
	SamplingRate float64

	// StorageBackend and RemoteURL are attached to the resource so traces
	// from different deployments can be told apart.
	StorageBackend string
	RemoteURL      string
}

// FromConfig builds a telemetry Config from the loaded application config.
func FromConfig(cfg *config.Config) *Config {
	return &Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		Version:        cfg.App.Version,
		Environment:    cfg.App.Environment,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		StorageBackend: cfg.Storage.Backend,
		RemoteURL:      cfg.Remote.BaseURL,
	}
}

// Tracer returns a named tracer from the global provider. When telemetry is
// disabled the global provider is a noop and spans cost nothing.
func Tracer(component string) oteltrace.Tracer {
	return otel.Tracer(InstrumentationName + "/" + component)
}

// Provider owns the SDK providers installed by New.
type Provider struct {
	tracerProvider *trace.TracerProvider
	meterProvider  *metric.MeterProvider
}

// New installs global OTLP trace and metric providers. A disabled Config
// yields a Provider whose Shutdown does nothing.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.Merge(resource.Default(), newResource(cfg))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	p := &Provider{
		tracerProvider: trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithBatcher(traceExporter),
			trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SamplingRate))),
		),
		meterProvider: metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(metricExporter)),
		),
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return p, nil
}

func newResource(cfg *Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	}

	if cfg.StorageBackend != "" {
		attrs = append(attrs, attribute.String("quotesync.storage.backend", cfg.StorageBackend))
	}

	if cfg.RemoteURL != "" {
		attrs = append(attrs, attribute.String("quotesync.remote.url", cfg.RemoteURL))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// Shutdown flushes and stops both providers, giving them at most
// shutdownTimeout beyond ctx.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return errors.Join(
		wrapNonNil("tracer provider", p.tracerProvider.Shutdown(ctx)),
		wrapNonNil("meter provider", p.meterProvider.Shutdown(ctx)),
	)
}

func wrapNonNil(what string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s shutdown: %w", what, err)
}
