package observe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	ctx := context.Background()
	m.RecordRequest(ctx, "snapshot", "rendered", 120*time.Millisecond)
	m.RecordGate(ctx, "snapshot", "accepted")
	m.RecordGate(ctx, "snapshot", "busy")
	m.RecordRender(ctx, "snapshot", 100*time.Millisecond, nil)
	m.RecordRender(ctx, "point", 10*time.Millisecond, errors.New("boom"))
	m.RecordCache(ctx, true)
	m.RecordCache(ctx, false)

	got := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"snapshot.http.requests", 1},
		{"snapshot.gate.attempts", 2},
		{"snapshot.render.total", 2},
		{"snapshot.render.errors", 1},
		{"snapshot.cache.lookups", 2},
	}
	for _, tt := range tests {
		m, ok := got[tt.name]
		if !ok {
			t.Errorf("metric %s not recorded", tt.name)
			continue
		}
		if v := sumOf(t, m); v != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, v, tt.want)
		}
	}

	if _, ok := got["snapshot.render.duration_ms"]; !ok {
		t.Errorf("render duration histogram not recorded")
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	ctx := context.Background()

	// Must not panic.
	m.RecordRequest(ctx, "home", "ok", time.Second)
	m.RecordGate(ctx, "point", "busy")
	m.RecordRender(ctx, "point", time.Second, errors.New("x"))
	m.RecordCache(ctx, false)
}

func TestSetup_Prometheus(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "test", MetricsExporter: "prometheus"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Handler() == nil {
		t.Fatalf("Handler() = nil, want prometheus handler")
	}

	p.Metrics().RecordCache(context.Background(), true)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cache") || !strings.Contains(rec.Body.String(), "lookups") {
		t.Errorf("exposition missing cache counter:\n%s", rec.Body.String())
	}
}

func TestSetup_None(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "test", MetricsExporter: "none", TracesExporter: "none"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if p.Handler() != nil {
		t.Errorf("Handler() != nil with metrics disabled")
	}
	if p.Metrics() == nil || p.Tracer() == nil {
		t.Errorf("Metrics()/Tracer() must never be nil")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestSetup_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no service name", Config{}},
		{"unknown metrics exporter", Config{ServiceName: "x", MetricsExporter: "statsd"}},
		{"unknown traces exporter", Config{ServiceName: "x", TracesExporter: "zipkin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
			if _, err := Setup(context.Background(), tt.cfg); err == nil {
				t.Errorf("Setup() error = nil, want error")
			}
		})
	}
}
