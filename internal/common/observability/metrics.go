package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Observability owns the otel meter and tracer providers for the process.
type Observability struct {
	meterProvider  *metric.MeterProvider
	meter          otelmetric.Meter
	tracer         trace.Tracer
	shutdownTracer func(context.Context) error

	tickCounter       otelmetric.Int64Counter
	tickDuration      otelmetric.Float64Histogram
	dispatchDuration  otelmetric.Float64Histogram
	transitionCounter otelmetric.Int64Counter
}

// New sets up metrics through the otel prometheus exporter. Tracing stays a
// no-op until EnableTracing is called.
func New(serviceName string) (*Observability, error) {
	o := &Observability{
		tracer: noop.NewTracerProvider().Tracer(serviceName),
	}

	exporter, err := prometheus.New()
	if err != nil {
		return o, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	o.meterProvider = provider
	o.meter = provider.Meter(serviceName)

	o.tickCounter, _ = o.meter.Int64Counter(
		"queue.ticks",
		otelmetric.WithDescription("Queue processor ticks"),
	)
	o.tickDuration, _ = o.meter.Float64Histogram(
		"queue.tick.duration",
		otelmetric.WithDescription("Queue processor tick duration"),
		otelmetric.WithUnit("ms"),
	)
	o.dispatchDuration, _ = o.meter.Float64Histogram(
		"delivery.dispatch.duration",
		otelmetric.WithDescription("Provider dispatch duration"),
		otelmetric.WithUnit("ms"),
	)
	o.transitionCounter, _ = o.meter.Int64Counter(
		"delivery.transitions",
		otelmetric.WithDescription("Delivery record status transitions"),
	)

	return o, nil
}

// NewNoop returns an instance that records nothing; used by tests.
func NewNoop() *Observability {
	return &Observability{tracer: noop.NewTracerProvider().Tracer("noop")}
}

func (o *Observability) RecordTick(ctx context.Context, duration time.Duration, jobs int) {
	if o == nil {
		return
	}
	if o.tickCounter != nil {
		o.tickCounter.Add(ctx, 1)
	}
	if o.tickDuration != nil {
		o.tickDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.Int("jobs", jobs),
		))
	}
}

func (o *Observability) RecordDispatch(ctx context.Context, channel, outcome string, duration time.Duration) {
	if o == nil || o.dispatchDuration == nil {
		return
	}
	o.dispatchDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

func (o *Observability) RecordTransition(ctx context.Context, source, to string) {
	if o == nil || o.transitionCounter == nil {
		return
	}
	o.transitionCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("source", source),
		attribute.String("to", to),
	))
}

// StartSpan starts a span on the configured tracer.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return noop.NewTracerProvider().Tracer("noop").Start(ctx, name)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
	if o.shutdownTracer != nil {
		_ = o.shutdownTracer(ctx)
	}
}
