package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records request, gate and cache telemetry.
//
// Implementations must be safe for concurrent use and must not panic.
type Metrics interface {
	// RecordRequest records one served HTTP request.
	RecordRequest(ctx context.Context, route, outcome string, duration time.Duration)
	// RecordGate records whether the render gate accepted an operation.
	RecordGate(ctx context.Context, operation, outcome string)
	// RecordRender records a finished gated operation.
	RecordRender(ctx context.Context, operation string, duration time.Duration, err error)
	// RecordCache records a snapshot cache lookup.
	RecordCache(ctx context.Context, hit bool)
}

type metricsImpl struct {
	requests     metric.Int64Counter
	requestHist  metric.Float64Histogram
	gate         metric.Int64Counter
	renders      metric.Int64Counter
	renderErrors metric.Int64Counter
	renderHist   metric.Float64Histogram
	cache        metric.Int64Counter
}

// NewMetrics creates Metrics backed by the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	requests, err := meter.Int64Counter(
		"snapshot.http.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestHist, err := meter.Float64Histogram(
		"snapshot.http.duration_ms",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	gate, err := meter.Int64Counter(
		"snapshot.gate.attempts",
		metric.WithDescription("Render gate acquisition attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	renders, err := meter.Int64Counter(
		"snapshot.render.total",
		metric.WithDescription("Total number of gated render operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	renderErrors, err := meter.Int64Counter(
		"snapshot.render.errors",
		metric.WithDescription("Total number of failed render operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	renderHist, err := meter.Float64Histogram(
		"snapshot.render.duration_ms",
		metric.WithDescription("Gated render operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	cache, err := meter.Int64Counter(
		"snapshot.cache.lookups",
		metric.WithDescription("Snapshot cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		requests:     requests,
		requestHist:  requestHist,
		gate:         gate,
		renders:      renders,
		renderErrors: renderErrors,
		renderHist:   renderHist,
		cache:        cache,
	}, nil
}

func (m *metricsImpl) RecordRequest(ctx context.Context, route, outcome string, duration time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, opt)
	m.requestHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordGate(ctx context.Context, operation, outcome string) {
	m.gate.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func (m *metricsImpl) RecordRender(ctx context.Context, operation string, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("operation", operation))

	m.renders.Add(ctx, 1, opt)
	if err != nil {
		m.renderErrors.Add(ctx, 1, opt)
	}
	m.renderHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordCache(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

type noopMetrics struct{}

// NoopMetrics returns Metrics that discard everything.
func NoopMetrics() Metrics {
	return noopMetrics{}
}

func (noopMetrics) RecordRequest(ctx context.Context, route, outcome string, duration time.Duration) {
}

func (noopMetrics) RecordGate(ctx context.Context, operation, outcome string) {}

func (noopMetrics) RecordRender(ctx context.Context, operation string, duration time.Duration, err error) {
}

func (noopMetrics) RecordCache(ctx context.Context, hit bool) {}
