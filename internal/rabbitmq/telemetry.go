package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/glimte/relay"

// Telemetry bundles the tracer, propagator and instruments shared by
// producers and consumers.
type Telemetry struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	published       metric.Int64Counter
	backpressured   metric.Int64Counter
	acked           metric.Int64Counter
	deadLettered    metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

type telemetryConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
}

// TelemetryOption configures Telemetry
type TelemetryOption func(*telemetryConfig)

// WithTracerProvider sets the tracer provider, the global one by default.
func WithTracerProvider(tp trace.TracerProvider) TelemetryOption {
	return func(c *telemetryConfig) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider, the global one by default.
func WithMeterProvider(mp metric.MeterProvider) TelemetryOption {
	return func(c *telemetryConfig) {
		c.meterProvider = mp
	}
}

// WithPropagator sets how trace context travels in message headers.
func WithPropagator(p propagation.TextMapPropagator) TelemetryOption {
	return func(c *telemetryConfig) {
		c.propagator = p
	}
}

// NewTelemetry creates the instruments. Instrument creation errors are
// reported to the otel error handler; the returned instruments stay usable.
func NewTelemetry(options ...TelemetryOption) *Telemetry {
	cfg := &telemetryConfig{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	for _, opt := range options {
		opt(cfg)
	}

	meter := cfg.meterProvider.Meter(instrumentationName)
	t := &Telemetry{
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
		propagator: cfg.propagator,
	}

	var err error
	if t.published, err = meter.Int64Counter("relay.messages.published",
		metric.WithDescription("Messages written to the broker")); err != nil {
		otel.Handle(err)
	}
	if t.backpressured, err = meter.Int64Counter("relay.publish.backpressure",
		metric.WithDescription("Publishes deferred until the broker resumed the channel")); err != nil {
		otel.Handle(err)
	}
	if t.acked, err = meter.Int64Counter("relay.messages.acked",
		metric.WithDescription("Deliveries acknowledged after successful handling")); err != nil {
		otel.Handle(err)
	}
	if t.deadLettered, err = meter.Int64Counter("relay.messages.dead_lettered",
		metric.WithDescription("Deliveries rejected without requeue")); err != nil {
		otel.Handle(err)
	}
	if t.handlerDuration, err = meter.Float64Histogram("relay.handler.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("ms")); err != nil {
		otel.Handle(err)
	}

	return t
}

// startPublish opens a producer span and writes its context into the
// publishing headers.
func (t *Telemetry) startPublish(ctx context.Context, target Target, msg *amqp.Publishing) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "relay.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", target.String()),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.message.id", msg.MessageId),
		),
	)

	if msg.Headers == nil {
		msg.Headers = amqp.Table{}
	}
	t.propagator.Inject(ctx, headerCarrier(msg.Headers))
	return ctx, span
}

// startProcess opens a consumer span continuing the trace carried by d.
func (t *Telemetry) startProcess(ctx context.Context, queue string, d amqp.Delivery) (context.Context, trace.Span) {
	if d.Headers != nil {
		ctx = t.propagator.Extract(ctx, headerCarrier(d.Headers))
	}
	return t.tracer.Start(ctx, "relay.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.message.id", d.MessageId),
		),
	)
}

func (t *Telemetry) recordPublished(ctx context.Context, target Target) {
	t.published.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", target.String())))
}

func (t *Telemetry) recordBackpressure(ctx context.Context, target Target) {
	t.backpressured.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", target.String())))
}

func (t *Telemetry) recordOutcome(ctx context.Context, queue string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	t.handlerDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err != nil {
		t.deadLettered.Add(ctx, 1, attrs)
		return
	}
	t.acked.Add(ctx, 1, attrs)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// headerCarrier adapts AMQP headers to propagation.TextMapCarrier.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	v, ok := c[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
