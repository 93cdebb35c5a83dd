package rabbitmq_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/glimte/relay/internal/rabbitmq"
)

const settle = 2 * time.Second

var work = rabbitmq.Queue("work")

// settled waits until the work queue holds no ready or unacked messages.
func (h *harness) settled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.broker.Messages("work") == 0 && h.broker.Unacked("work") == 0
	}, settle, 5*time.Millisecond)
}

func TestConsumerSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("successful handler acks", func(t *testing.T) {
		h := newHarness(t)

		var got atomic.Pointer[rabbitmq.Message]
		_, err := h.consumer(t).Receive(ctx, work, func(_ context.Context, msg *rabbitmq.Message) ([]byte, error) {
			got.Store(msg)
			return nil, nil
		})
		require.NoError(t, err)

		require.NoError(t, h.producer(t).Send(ctx, work, []byte("job"),
			rabbitmq.WithMessageID("m-1"),
			rabbitmq.WithHeaders(map[string]interface{}{"tenant": "acme"})))

		h.settled(t)
		assert.Equal(t, 0, h.broker.Messages("work-dlx"))

		msg := got.Load()
		require.NotNil(t, msg)
		assert.Equal(t, []byte("job"), msg.Body)
		assert.Equal(t, "m-1", msg.MessageID)
		assert.Equal(t, "work", msg.Queue)
		assert.Equal(t, "acme", msg.Header("tenant"))
		assert.False(t, msg.Redelivered)

		assert.Eventually(t, func() bool {
			return h.counter(t, "relay.messages.acked") == 1
		}, settle, 5*time.Millisecond)
	})

	t.Run("processing span continues the publisher's trace", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.consumer(t).Receive(ctx, work, echo)
		require.NoError(t, err)
		require.NoError(t, h.producer(t).Send(ctx, work, []byte("job")))

		require.Eventually(t, func() bool { return len(h.spans.Ended()) == 2 }, settle, 5*time.Millisecond)

		byName := map[string]sdktrace.ReadOnlySpan{}
		for _, span := range h.spans.Ended() {
			byName[span.Name()] = span
		}
		publish, process := byName["relay.publish"], byName["relay.process"]
		require.NotNil(t, publish)
		require.NotNil(t, process)
		assert.Equal(t, publish.SpanContext().TraceID(), process.SpanContext().TraceID())
		assert.Equal(t, publish.SpanContext().SpanID(), process.Parent().SpanID())
	})

	failures := map[string]rabbitmq.Handler{
		"handler error": func(context.Context, *rabbitmq.Message) ([]byte, error) {
			return nil, errors.New("cannot process")
		},
		"handler panic": func(context.Context, *rabbitmq.Message) ([]byte, error) {
			panic("unexpected state")
		},
	}
	for name, handler := range failures {
		t.Run(name+" dead-letters", func(t *testing.T) {
			h := newHarness(t)

			_, err := h.consumer(t).Receive(ctx, work, handler)
			require.NoError(t, err)
			require.NoError(t, h.producer(t).Send(ctx, work, []byte("poison")))

			h.settled(t)
			require.Eventually(t, func() bool {
				return h.broker.Messages("work-dlx") == 1
			}, settle, 5*time.Millisecond)

			d, ok := h.broker.Get("work-dlx")
			require.True(t, ok)
			assert.Equal(t, []byte("poison"), d.Body)
			assert.Equal(t, "work", d.Headers["x-first-death-queue"])
			assert.Equal(t, "rejected", d.Headers["x-first-death-reason"])

			assert.Eventually(t, func() bool {
				return h.counter(t, "relay.messages.dead_lettered") == 1
			}, settle, 5*time.Millisecond)
		})
	}

	t.Run("handler timeout dead-letters", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.consumer(t).Receive(ctx, work, func(ctx context.Context, _ *rabbitmq.Message) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, rabbitmq.WithHandlerTimeout(20*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, h.producer(t).Send(ctx, work, []byte("slow")))

		require.Eventually(t, func() bool {
			return h.broker.Messages("work-dlx") == 1
		}, settle, 5*time.Millisecond)
	})

	t.Run("later messages are processed after a failure", func(t *testing.T) {
		h := newHarness(t)

		var ok atomic.Int32
		_, err := h.consumer(t).Receive(ctx, work, func(_ context.Context, msg *rabbitmq.Message) ([]byte, error) {
			if string(msg.Body) == "bad" {
				return nil, errors.New("bad message")
			}
			ok.Add(1)
			return nil, nil
		})
		require.NoError(t, err)

		producer := h.producer(t)
		for _, body := range []string{"good", "bad", "good"} {
			require.NoError(t, producer.Send(ctx, work, []byte(body)))
		}

		h.settled(t)
		assert.Eventually(t, func() bool { return ok.Load() == 2 }, settle, 5*time.Millisecond)
		assert.Equal(t, 1, h.broker.Messages("work-dlx"))
	})
}

func TestConsumerReply(t *testing.T) {
	ctx := context.Background()
	replies := rabbitmq.Queue("replies")
	replyOpts := rabbitmq.QueueOptions{AutoDelete: false, Ephemeral: true}

	t.Run("reply carries the correlation id", func(t *testing.T) {
		h := newHarness(t)
		producer := h.producer(t)
		_, err := producer.Executor().EnsureQueue(ctx, replies, replyOpts)
		require.NoError(t, err)

		_, err = h.consumer(t).Receive(ctx, work, func(_ context.Context, msg *rabbitmq.Message) ([]byte, error) {
			return bytes.ToUpper(msg.Body), nil
		})
		require.NoError(t, err)

		require.NoError(t, producer.Send(ctx, work, []byte("ping"),
			rabbitmq.WithReplyTo("replies"),
			rabbitmq.WithCorrelationID("c-9")))

		h.settled(t)
		require.Eventually(t, func() bool { return h.broker.Messages("replies") == 1 }, settle, 5*time.Millisecond)

		d, _ := h.broker.Get("replies")
		assert.Equal(t, []byte("PING"), d.Body)
		assert.Equal(t, "c-9", d.CorrelationId)
		assert.Equal(t, "work", d.Headers[rabbitmq.RepliedFromHeader])
		assert.Equal(t, 0, h.broker.Messages("work-dlx"))
	})

	t.Run("empty reply dead-letters the request", func(t *testing.T) {
		h := newHarness(t)
		producer := h.producer(t)
		_, err := producer.Executor().EnsureQueue(ctx, replies, replyOpts)
		require.NoError(t, err)

		_, err = h.consumer(t).Receive(ctx, work, func(context.Context, *rabbitmq.Message) ([]byte, error) {
			return nil, nil
		})
		require.NoError(t, err)

		require.NoError(t, producer.Send(ctx, work, []byte("ping"), rabbitmq.WithReplyTo("replies")))

		require.Eventually(t, func() bool { return h.broker.Messages("work-dlx") == 1 }, settle, 5*time.Millisecond)
		assert.Equal(t, 0, h.broker.Messages("replies"))
	})
}

// gatedHandler blocks every invocation until release is closed and tracks how
// many run at once.
type gatedHandler struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	done    atomic.Int32
}

func newGatedHandler() *gatedHandler {
	return &gatedHandler{release: make(chan struct{})}
}

func (g *gatedHandler) handle(context.Context, *rabbitmq.Message) ([]byte, error) {
	n := g.active.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-g.release
	g.active.Add(-1)
	g.done.Add(1)
	return nil, nil
}

func TestConsumerPrefetch(t *testing.T) {
	ctx := context.Background()

	t.Run("prefetch one processes sequentially", func(t *testing.T) {
		h := newHarness(t)
		g := newGatedHandler()

		_, err := h.consumer(t).Receive(ctx, work, g.handle)
		require.NoError(t, err)

		producer := h.producer(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, producer.Send(ctx, work, []byte("job")))
		}

		require.Eventually(t, func() bool { return g.active.Load() == 1 }, settle, 5*time.Millisecond)
		assert.Never(t, func() bool { return g.active.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
		assert.Equal(t, 1, h.broker.Unacked("work"))
		assert.Equal(t, 2, h.broker.Messages("work"))

		close(g.release)
		h.settled(t)
		assert.Equal(t, int32(3), g.done.Load())
		assert.Equal(t, int32(1), g.peak.Load())
	})

	t.Run("prefetch n runs handlers concurrently", func(t *testing.T) {
		h := newHarness(t)
		g := newGatedHandler()

		_, err := h.consumer(t).Receive(ctx, work, g.handle, rabbitmq.WithPrefetch(3))
		require.NoError(t, err)

		producer := h.producer(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, producer.Send(ctx, work, []byte("job")))
		}

		require.Eventually(t, func() bool { return g.active.Load() == 3 }, settle, 5*time.Millisecond)
		assert.Equal(t, 3, h.broker.Unacked("work"))
		assert.Equal(t, 2, h.broker.Messages("work"))

		close(g.release)
		h.settled(t)
		assert.Equal(t, int32(5), g.done.Load())
		assert.Equal(t, int32(3), g.peak.Load())
	})
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("unsubscribe lets in-flight handlers finish", func(t *testing.T) {
		h := newHarness(t)
		g := newGatedHandler()

		sub, err := h.consumer(t).Receive(ctx, work, g.handle)
		require.NoError(t, err)
		assert.Equal(t, "work", sub.Queue())
		assert.NotEmpty(t, sub.Tag())

		require.NoError(t, h.producer(t).Send(ctx, work, []byte("job")))
		require.Eventually(t, func() bool { return g.active.Load() == 1 }, settle, 5*time.Millisecond)

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, sub.Unsubscribe())
		assert.Equal(t, 0, h.broker.Consumers("work"))

		select {
		case <-sub.Done():
			t.Fatal("subscription finished before its handler")
		case <-time.After(50 * time.Millisecond):
		}

		close(g.release)
		select {
		case <-sub.Done():
		case <-time.After(settle):
			t.Fatal("subscription did not finish")
		}

		h.settled(t)
		assert.Equal(t, 0, h.broker.Messages("work-dlx"))
	})

	t.Run("context cancellation unsubscribes", func(t *testing.T) {
		h := newHarness(t)

		subCtx, cancel := context.WithCancel(ctx)
		sub, err := h.consumer(t).Receive(subCtx, work, echo, rabbitmq.WithConsumerTag("worker-1"))
		require.NoError(t, err)
		assert.Equal(t, "worker-1", sub.Tag())
		assert.Equal(t, 1, h.broker.Consumers("work"))

		cancel()

		select {
		case <-sub.Done():
		case <-time.After(settle):
			t.Fatal("subscription did not stop")
		}
		assert.Equal(t, 0, h.broker.Consumers("work"))
	})

	t.Run("UnsubscribeAll stops every subscription", func(t *testing.T) {
		h := newHarness(t)
		consumer := h.consumer(t)

		var subs []*rabbitmq.Subscription
		for _, name := range []string{"a", "b"} {
			sub, err := consumer.Receive(ctx, rabbitmq.Queue(name), echo)
			require.NoError(t, err)
			subs = append(subs, sub)
		}

		require.NoError(t, consumer.UnsubscribeAll(ctx))

		for _, sub := range subs {
			select {
			case <-sub.Done():
			default:
				t.Fatalf("subscription on %s still running", sub.Queue())
			}
		}
		assert.Equal(t, 0, h.broker.Consumers("a"))
		assert.Equal(t, 0, h.broker.Consumers("b"))
	})

	t.Run("exclusive consumer refuses a second subscriber", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.consumer(t).Receive(ctx, work, echo, rabbitmq.WithExclusive(true))
		require.NoError(t, err)

		_, err = h.consumer(t).Receive(ctx, work, echo)
		var consumerErr *rabbitmq.ConsumerError
		require.True(t, errors.As(err, &consumerErr))
		assert.Equal(t, "consume", consumerErr.Op)
	})

	t.Run("subscription survives concurrent producers", func(t *testing.T) {
		h := newHarness(t)

		var count atomic.Int32
		_, err := h.consumer(t).Receive(ctx, work, func(context.Context, *rabbitmq.Message) ([]byte, error) {
			count.Add(1)
			return nil, nil
		}, rabbitmq.WithPrefetch(4))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			producer := h.producer(t)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					assert.NoError(t, producer.Send(ctx, work, []byte("job")))
				}
			}()
		}
		wg.Wait()

		assert.Eventually(t, func() bool { return count.Load() == 40 }, settle, 5*time.Millisecond)
		h.settled(t)
	})
}
