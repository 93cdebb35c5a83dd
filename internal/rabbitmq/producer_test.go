package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relay/internal/rabbitmq"
)

func TestProducerSend(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		h := newHarness(t)
		producer := h.producer(t)

		require.NoError(t, producer.Send(ctx, rabbitmq.Queue("work"), []byte("payload")))

		d, ok := h.broker.Get("work")
		require.True(t, ok)
		assert.Equal(t, []byte("payload"), d.Body)
		assert.NotEmpty(t, d.MessageId)
		assert.Equal(t, "application/octet-stream", d.ContentType)
		assert.Equal(t, amqp.Persistent, d.DeliveryMode)
		assert.False(t, d.Timestamp.IsZero())
		assert.NotEmpty(t, d.Headers["traceparent"])

		assert.Equal(t, int64(1), h.counter(t, "relay.messages.published"))
		require.Len(t, h.spans.Ended(), 1)
		assert.Equal(t, "relay.publish", h.spans.Ended()[0].Name())
	})

	t.Run("options", func(t *testing.T) {
		h := newHarness(t)
		producer := h.producer(t)

		err := producer.Send(ctx, rabbitmq.Queue("work"), []byte("{}"),
			rabbitmq.WithHeaders(amqp.Table{"tenant": "acme"}),
			rabbitmq.WithMessageID("m-1"),
			rabbitmq.WithCorrelationID("c-1"),
			rabbitmq.WithContentType("application/json"),
			rabbitmq.WithExpiration(5*time.Second),
			rabbitmq.WithPriority(3),
			rabbitmq.WithTransient(),
		)
		require.NoError(t, err)

		d, ok := h.broker.Get("work")
		require.True(t, ok)
		assert.Equal(t, "acme", d.Headers["tenant"])
		assert.Equal(t, "m-1", d.MessageId)
		assert.Equal(t, "c-1", d.CorrelationId)
		assert.Equal(t, "application/json", d.ContentType)
		assert.Equal(t, "5000", d.Expiration)
		assert.Equal(t, uint8(3), d.Priority)
		assert.Equal(t, amqp.Transient, d.DeliveryMode)
	})

	t.Run("routed target", func(t *testing.T) {
		h := newHarness(t, rabbitmq.WithRoutes(rabbitmq.RouteTable{"orders": {"created"}}))
		producer := h.producer(t)

		require.NoError(t, producer.Send(ctx, rabbitmq.Route("orders", "created"), []byte("order")))

		assert.Equal(t, 1, h.broker.Messages("orders.created"))
		d, ok := h.broker.Get("orders.created")
		require.True(t, ok)
		assert.Equal(t, "orders", d.Exchange)
		assert.Equal(t, "created", d.RoutingKey)
	})

	t.Run("unknown route", func(t *testing.T) {
		h := newHarness(t, rabbitmq.WithRoutes(rabbitmq.RouteTable{"orders": {"created"}}))
		producer := h.producer(t)

		err := producer.Send(ctx, rabbitmq.Route("orders", "shipped"), []byte("order"))

		assert.ErrorIs(t, err, rabbitmq.ErrUnknownRoute)
		assert.False(t, rabbitmq.IsRetryable(err))
		assert.Equal(t, 0, h.broker.Calls().Publish)
	})

	t.Run("connection failure", func(t *testing.T) {
		h := newHarness(t)
		h.broker.FailDials(errors.New("connection refused"))
		producer := h.producer(t)

		err := producer.Send(ctx, rabbitmq.Queue("work"), []byte("x"))

		var connErr *rabbitmq.ConnectionError
		assert.True(t, errors.As(err, &connErr))
	})
}

func TestProducerBackpressure(t *testing.T) {
	ctx := context.Background()
	work := rabbitmq.Queue("work")

	setup := func(t *testing.T) (*harness, *rabbitmq.Producer) {
		h := newHarness(t)
		producer := h.producer(t)
		_, err := producer.Executor().EnsureQueue(ctx, work, rabbitmq.DefaultQueueOptions())
		require.NoError(t, err)
		return h, producer
	}

	t.Run("deferred publish is written exactly once after flow resumes", func(t *testing.T) {
		h, producer := setup(t)

		h.broker.SetFlow(false)
		require.Eventually(t, producer.Executor().Paused, time.Second, 5*time.Millisecond)

		errs := make(chan error, 1)
		go func() { errs <- producer.Send(ctx, work, []byte("deferred")) }()

		require.Eventually(t, func() bool {
			return h.counter(t, "relay.publish.backpressure") == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, h.broker.Calls().Publish)

		h.broker.SetFlow(true)

		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("send did not complete after flow resumed")
		}

		assert.Equal(t, 1, h.broker.Messages("work"))
		assert.Equal(t, 1, h.broker.Calls().Publish)
		assert.Equal(t, int64(1), h.counter(t, "relay.messages.published"))
	})

	t.Run("blocked connection defers the publish", func(t *testing.T) {
		h, producer := setup(t)

		h.broker.Block("low on memory")
		require.Eventually(t, producer.Executor().Paused, time.Second, 5*time.Millisecond)

		errs := make(chan error, 1)
		go func() { errs <- producer.Send(ctx, work, []byte("deferred")) }()

		require.Eventually(t, func() bool {
			return h.counter(t, "relay.publish.backpressure") == 1
		}, time.Second, 5*time.Millisecond)

		h.broker.Unblock()
		require.NoError(t, <-errs)
		assert.Equal(t, 1, h.broker.Messages("work"))
	})

	t.Run("context ends while paused", func(t *testing.T) {
		h, producer := setup(t)

		h.broker.SetFlow(false)
		require.Eventually(t, producer.Executor().Paused, time.Second, 5*time.Millisecond)

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := producer.Send(short, work, []byte("dropped"))

		var pubErr *rabbitmq.PublishError
		require.True(t, errors.As(err, &pubErr))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		h.broker.SetFlow(true)
		assert.Never(t, func() bool {
			return h.broker.Calls().Publish > 0
		}, 100*time.Millisecond, 10*time.Millisecond)
	})
}
