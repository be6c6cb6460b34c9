// Package telemetry implements core.Telemetry and core.MetricsRegistry on
// top of OpenTelemetry, so the orchestrator, step executors, and
// repositories get distributed tracing and metrics without depending on
// OTel directly.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/workflows/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider implements core.Telemetry and core.MetricsRegistry with
// OpenTelemetry. Traces go to stdout (endpoint == "stdout", the default) or
// an OTLP/gRPC collector; metric instruments are held in-process via a
// ManualReader so the engine never depends on a metrics backend being
// configured to function.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	reader        sdkmetric.Reader

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram

	shutdownOnce sync.Once
}

// NewProvider builds a Provider for serviceName, exporting traces to
// endpoint ("stdout" or an OTLP/gRPC address).
func NewProvider(serviceName, endpoint string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}
	if endpoint == "" {
		endpoint = "stdout"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", "1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if endpoint == "stdout" {
		spanExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		spanExporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: build span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	return &Provider{
		tracer:        tp.Tracer("flowforge/workflows"),
		meter:         mp.Meter("flowforge/workflows"),
		traceProvider: tp,
		reader:        reader,
		counters:      make(map[string]metric.Float64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

// StartSpan implements core.Telemetry.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	if p.tracer == nil {
		return ctx, core.NoOpSpan{}
	}
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry, routing by name heuristic between
// counter and histogram semantics — durations/latencies as histograms,
// everything else as a counter.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	attrs := attrsFromLabels(labelPairsFromMap(labels)...)
	ctx := context.Background()
	if isDurationMetric(name) {
		p.histogram(name).Record(ctx, value, metric.WithAttributes(attrs...))
		return
	}
	p.counter(name).Add(ctx, value, metric.WithAttributes(attrs...))
}

// Counter implements core.MetricsRegistry.
func (p *Provider) Counter(name string, labels ...string) {
	p.counter(name).Add(context.Background(), 1, metric.WithAttributes(attrsFromLabels(labels...)...))
}

// Gauge implements core.MetricsRegistry. OTel gauges require callback
// registration; we approximate with a histogram, consistent with how the
// value still shows up in dashboards as a point-in-time series.
func (p *Provider) Gauge(name string, value float64, labels ...string) {
	p.histogram(name).Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels...)...))
}

// Histogram implements core.MetricsRegistry.
func (p *Provider) Histogram(name string, value float64, labels ...string) {
	p.histogram(name).Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels...)...))
}

// EmitWithContext implements core.MetricsRegistry.
func (p *Provider) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if isDurationMetric(name) {
		p.histogram(name).Record(ctx, value, metric.WithAttributes(attrsFromLabels(labels...)...))
		return
	}
	p.counter(name).Add(ctx, value, metric.WithAttributes(attrsFromLabels(labels...)...))
}

func (p *Provider) counter(name string) metric.Float64Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, _ := p.meter.Float64Counter(name)
	p.counters[name] = c
	return c
}

func (p *Provider) histogram(name string) metric.Float64Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, _ := p.meter.Float64Histogram(name)
	p.histograms[name] = h
	return h
}

// Shutdown flushes and stops the trace provider. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		if p.traceProvider != nil {
			shutdownErr = p.traceProvider.Shutdown(ctx)
		}
	})
	return shutdownErr
}

func isDurationMetric(name string) bool {
	suffixes := []string{"duration_ms", "latency_ms", "duration", "latency"}
	for _, s := range suffixes {
		if len(name) >= len(s) && name[len(name)-len(s):] == s {
			return true
		}
	}
	return false
}

func labelPairsFromMap(labels map[string]string) []string {
	pairs := make([]string, 0, len(labels)*2)
	for k, v := range labels {
		pairs = append(pairs, k, v)
	}
	return pairs
}

func attrsFromLabels(labels ...string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case time.Duration:
		s.span.SetAttributes(attribute.Int64(key, v.Milliseconds()))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
