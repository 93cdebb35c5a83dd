package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	tel := NewTelemetry(
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)
	return tel, recorder, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTelemetryPropagation(t *testing.T) {
	tel, recorder, _ := newTestTelemetry(t)

	msg := amqp.Publishing{MessageId: "m1"}
	ctx, span := tel.startPublish(context.Background(), Queue("work"), &msg)
	endSpan(span, nil)

	require.NotNil(t, msg.Headers)
	assert.NotEmpty(t, msg.Headers["traceparent"])

	_, consumerSpan := tel.startProcess(context.Background(), "work", amqp.Delivery{
		MessageId: "m1",
		Headers:   msg.Headers,
	})
	endSpan(consumerSpan, errors.New("handler failed"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "relay.publish", spans[0].Name())
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())
	assert.Equal(t, "relay.process", spans[1].Name())
	assert.Equal(t, trace.SpanKindConsumer, spans[1].SpanKind())

	producerCtx := trace.SpanContextFromContext(ctx)
	assert.Equal(t, producerCtx.TraceID(), spans[1].SpanContext().TraceID())
	assert.Equal(t, producerCtx.SpanID(), spans[1].Parent().SpanID())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestTelemetryCounters(t *testing.T) {
	tel, _, reader := newTestTelemetry(t)
	ctx := context.Background()

	tel.recordPublished(ctx, Queue("work"))
	tel.recordPublished(ctx, Queue("work"))
	tel.recordBackpressure(ctx, Queue("work"))
	tel.recordOutcome(ctx, "work", 5*time.Millisecond, nil)
	tel.recordOutcome(ctx, "work", 5*time.Millisecond, errors.New("failed"))

	assert.Equal(t, int64(2), sumOf(t, reader, "relay.messages.published"))
	assert.Equal(t, int64(1), sumOf(t, reader, "relay.publish.backpressure"))
	assert.Equal(t, int64(1), sumOf(t, reader, "relay.messages.acked"))
	assert.Equal(t, int64(1), sumOf(t, reader, "relay.messages.dead_lettered"))
}

func TestHeaderCarrier(t *testing.T) {
	carrier := headerCarrier(amqp.Table{"a": "1", "b": int32(2)})

	assert.Equal(t, "1", carrier.Get("a"))
	assert.Equal(t, "", carrier.Get("b"))
	assert.Equal(t, "", carrier.Get("missing"))

	carrier.Set("c", "3")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, carrier.Keys())
}

func TestGate(t *testing.T) {
	g := newGate()

	assert.False(t, g.isPaused())
	select {
	case <-g.opened():
	default:
		t.Fatal("open gate should not block")
	}

	assert.True(t, g.set(true))
	assert.False(t, g.set(true))
	opened := g.opened()
	select {
	case <-opened:
		t.Fatal("paused gate should block")
	default:
	}

	assert.True(t, g.set(false))
	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("reopening should release waiters")
	}
}
