package telemetry

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentationName = "github.com/yairfalse/tollgate"

// Tracer is the process-wide tracer; it follows the global provider
var Tracer = otel.Tracer(instrumentationName)

// Config for OTEL initialization
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTELEndpoint   string // empty disables OTLP push
	Insecure       bool
}

// Providers holds what InitOTEL set up
type Providers struct {
	// Registry receives every OTEL metric through the prometheus exporter
	Registry *promclient.Registry

	shutdown []func(context.Context) error
}

// Shutdown flushes and stops all providers
func (p *Providers) Shutdown(ctx context.Context) error {
	var first error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// InitOTEL installs global trace and metric providers.
// Metrics always go to a local prometheus registry; OTLP export is added
// only when an endpoint is configured.
func InitOTEL(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tollgate"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Providers{}

	if cfg.OTELEndpoint != "" {
		if err := setupTraceProvider(ctx, cfg, res, p); err != nil {
			return nil, fmt.Errorf("failed to setup traces: %w", err)
		}
	}

	if err := setupMetricProvider(ctx, cfg, res, p); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	return p, nil
}

func setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource, p *Providers) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTELEndpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	Tracer = provider.Tracer(instrumentationName)

	p.shutdown = append(p.shutdown, provider.Shutdown)
	return nil
}

func setupMetricProvider(ctx context.Context, cfg Config, res *resource.Resource, p *Providers) error {
	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.OTELEndpoint != "" {
		mopts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.OTELEndpoint),
		}
		if cfg.Insecure {
			mopts = append(mopts, otlpmetricgrpc.WithDialOption(
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			))
		}
		exporter, err := otlpmetricgrpc.New(ctx, mopts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	p.Registry = registry
	p.shutdown = append(p.shutdown, provider.Shutdown)
	return nil
}

// WriteMetricsFile writes the registry in node-exporter textfile format
func (p *Providers) WriteMetricsFile(path string) error {
	if p.Registry == nil || path == "" {
		return nil
	}
	if err := promclient.WriteToTextfile(path, p.Registry); err != nil {
		return fmt.Errorf("failed to write metrics file %s: %w", path, err)
	}
	return nil
}
