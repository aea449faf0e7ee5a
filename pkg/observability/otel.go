package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig configures the OTLP trace/metric providers that back a
// Tracer. Disabled deployments (Enabled=false, the default for local runs
// without a collector) get a Tracer that is a complete no-op.
type TracerConfig struct {
	ServiceName  string
	OTLPEndpoint string // e.g. "localhost:4317"
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
}

// DefaultTracerConfig returns a disabled-by-default config; callers opt in
// by setting Enabled and OTLPEndpoint.
func DefaultTracerConfig() *TracerConfig {
	return &TracerConfig{
		ServiceName:  "cgr",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Insecure:     true,
	}
}

// Tracer wraps the pipeline and HITL stages in OpenTelemetry spans and
// exports Rate/Error/Duration metrics alongside whatever SLOTracker already
// computes from the same observations, so a collector sees the same
// operations the in-process SLO burn-rate math sees.
type Tracer struct {
	cfg            *TracerConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	log            *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	activeGauge    metric.Int64UpDownCounter
}

// NewTracer builds a Tracer. With cfg.Enabled false (or cfg nil) it returns
// a Tracer whose Track is a no-op, so callers can wire it unconditionally.
func NewTracer(ctx context.Context, cfg *TracerConfig, log *slog.Logger) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultTracerConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Tracer{cfg: cfg, log: log}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := t.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := t.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	t.tracer = otel.Tracer("cgr/pipeline")
	t.meter = otel.Meter("cgr/pipeline")
	if err := t.initMetrics(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracer) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.cfg.OTLPEndpoint)}
	if t.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: build trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case t.cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case t.cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(t.cfg.SampleRate)
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(t.cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (t *Tracer) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(t.cfg.OTLPEndpoint)}
	if t.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: build metric exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(t.meterProvider)
	return nil
}

func (t *Tracer) initMetrics() error {
	var err error
	if t.requestCounter, err = t.meter.Int64Counter("cgr.stage.requests",
		metric.WithDescription("stage invocations"), metric.WithUnit("{request}")); err != nil {
		return err
	}
	if t.errorCounter, err = t.meter.Int64Counter("cgr.stage.errors",
		metric.WithDescription("stage invocations that returned an error"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	if t.durationHist, err = t.meter.Float64Histogram("cgr.stage.duration",
		metric.WithDescription("stage wall time"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return err
	}
	if t.activeGauge, err = t.meter.Int64UpDownCounter("cgr.stage.active",
		metric.WithDescription("stages currently in flight"), metric.WithUnit("{stage}")); err != nil {
		return err
	}
	return nil
}

// Track starts a span named name and returns a context carrying it plus a
// completion func; call the returned func with the stage's error (nil on
// success) when the operation finishes.
func (t *Tracer) Track(ctx context.Context, name string) (context.Context, func(error)) {
	if t.tracer == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("cgr.stage", name)}
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	t.activeGauge.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		t.activeGauge.Add(ctx, -1, metric.WithAttributes(attrs...))
		t.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			t.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		span.End()
	}
}

// Shutdown flushes and stops the trace/metric providers; a no-op Tracer
// returns nil immediately.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			t.log.Error("observability: trace provider shutdown failed", "error", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			t.log.Error("observability: metric provider shutdown failed", "error", err)
		}
	}
	return nil
}
