// Package telemetry implements the TelemetrySink collaborator: the
// decision/similarity/nonconformity/cost/quality record that must be
// emitted once per request, wired to OTel traces and metric instruments.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/allaspectsdev/c3voit/internal/wire"
)

const instrumentationName = "github.com/allaspectsdev/c3voit"

// Sink receives one Telemetry record per request.
type Sink interface {
	Emit(ctx context.Context, t wire.Telemetry)
}

// OTelSink records each Telemetry record as span attributes on the
// current span plus a set of metric instruments (counters/histograms)
// keyed by decision and tier_used.
type OTelSink struct {
	tracer            trace.Tracer
	decisionCounter   metric.Int64Counter
	costActualHist    metric.Float64Histogram
	costSavedCounter  metric.Float64Counter
	qualityHist       metric.Float64Histogram
	latencyHist       metric.Float64Histogram
}

// NewOTelSink builds an OTelSink using the global MeterProvider and
// TracerProvider. Init (below) installs only the TracerProvider; while no
// MeterProvider is installed, the metric instruments record nothing.
func NewOTelSink() (*OTelSink, error) {
	meter := otel.Meter(instrumentationName)

	decisionCounter, err := meter.Int64Counter("c3voit.decisions",
		metric.WithDescription("count of C3Engine decisions by decision and tier_used"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating decision counter: %w", err)
	}
	costActualHist, err := meter.Float64Histogram("c3voit.cost_actual",
		metric.WithDescription("actual cost spent per request, in effort units"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating cost_actual histogram: %w", err)
	}
	costSavedCounter, err := meter.Float64Counter("c3voit.cost_saved",
		metric.WithDescription("cumulative cost avoided by cache reuse, in effort units"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating cost_saved counter: %w", err)
	}
	qualityHist, err := meter.Float64Histogram("c3voit.quality",
		metric.WithDescription("overall_quality of the returned result"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating quality histogram: %w", err)
	}
	latencyHist, err := meter.Float64Histogram("c3voit.latency_ms",
		metric.WithDescription("end-to-end request latency in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating latency histogram: %w", err)
	}

	return &OTelSink{
		tracer:           otel.Tracer(instrumentationName),
		decisionCounter:  decisionCounter,
		costActualHist:   costActualHist,
		costSavedCounter: costSavedCounter,
		qualityHist:      qualityHist,
		latencyHist:      latencyHist,
	}, nil
}

func (s *OTelSink) Emit(ctx context.Context, t wire.Telemetry) {
	attrs := []attribute.KeyValue{
		attribute.String("decision", string(t.Decision)),
		attribute.String("tier_used", string(t.TierUsed)),
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(append(attrs,
		attribute.String("request.id", t.RequestID),
		attribute.Float64("similarity", t.Similarity),
		attribute.Float64("nonconformity", t.Nonconformity),
		attribute.Float64("risk_bound", t.RiskBound),
		attribute.Float64("cost_actual", t.CostActual),
		attribute.Float64("cost_saved", t.CostSaved),
		attribute.Float64("quality", t.Quality),
	)...)
	for flag, set := range t.Flags {
		if set {
			span.SetAttributes(attribute.Bool("flag."+flag, true))
		}
	}

	s.decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	s.costActualHist.Record(ctx, t.CostActual, metric.WithAttributes(attrs...))
	if t.CostSaved > 0 {
		s.costSavedCounter.Add(ctx, t.CostSaved, metric.WithAttributes(attrs...))
	}
	s.qualityHist.Record(ctx, t.Quality, metric.WithAttributes(attrs...))
	s.latencyHist.Record(ctx, float64(t.Latency.Milliseconds()), metric.WithAttributes(attrs...))
}

// Init creates and registers a global TracerProvider. Supported
// exporters: "stdout", "otlp-grpc".
func Init(ctx context.Context, serviceName, version, exporter, endpoint string, sampleRate float64, insecure bool) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating otel resource: %w", err)
	}

	exp, err := newExporter(ctx, exporter, endpoint, insecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating otel exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, name, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp-grpc":
		opts := []otlptracegrpc.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q (supported: stdout, otlp-grpc)", name)
	}
}

var _ Sink = (*OTelSink)(nil)
