package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "shadesnap"

type Config struct {
	ServiceName     string
	Version         string
	MetricsExporter string // prometheus|stdout|otlp|none
	TracesExporter  string // stdout|otlp|none
}

// Provider owns the telemetry pipelines for the process.
type Provider struct {
	meter   metric.Meter
	tracer  trace.Tracer
	metrics Metrics
	handler http.Handler

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name is required")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{}

	switch cfg.MetricsExporter {
	case "none", "":
		p.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	case "prometheus":
		registry := prometheus.NewRegistry()
		reader, err := newPrometheusReader(registry)
		if err != nil {
			return nil, err
		}
		p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		p.meter = p.meterProvider.Meter(instrumentationName)
		p.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	default:
		reader, err := NewMetricsReader(ctx, cfg.MetricsExporter)
		if err != nil {
			return nil, err
		}
		p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		p.meter = p.meterProvider.Meter(instrumentationName)
	}

	switch cfg.TracesExporter {
	case "none", "":
		p.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	default:
		exp, err := NewTracingExporter(ctx, cfg.TracesExporter)
		if err != nil {
			return nil, err
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		p.tracer = p.tracerProvider.Tracer(instrumentationName)
	}

	p.metrics, err = NewMetrics(p.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return p, nil
}

func (p *Provider) Metrics() Metrics {
	return p.metrics
}

func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Handler serves the Prometheus exposition, or nil when metrics are not scraped.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops all providers, returning the first error.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer(instrumentationName)
}
