package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relay/config"
	"github.com/glimte/relay/health"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/internal/amqptest"
	"github.com/glimte/relay/internal/rabbitmq"
)

var quiet = slog.New(slog.DiscardHandler)

func newTestClient(t *testing.T, cfg config.Config, options ...Option) (*Client, *amqptest.Broker) {
	t.Helper()

	broker := amqptest.NewBroker()
	options = append([]Option{WithDialer(broker.Dial), WithLogger(quiet)}, options...)
	client, err := New(cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.Shutdown(ctx)
	})
	return client, broker
}

func echo(_ context.Context, msg *Message) ([]byte, error) {
	return msg.Body, nil
}

func TestNew(t *testing.T) {
	t.Run("Invalid configuration", func(t *testing.T) {
		cfg := config.Default()
		cfg.URL = "http://localhost"

		_, err := New(cfg)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("No connection until first use", func(t *testing.T) {
		client, broker := newTestClient(t, config.Default())
		assert.Equal(t, 0, broker.Dials())

		require.NoError(t, client.Connect(context.Background()))
		require.NoError(t, client.Connect(context.Background()))
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("Dial failure", func(t *testing.T) {
		client, broker := newTestClient(t, config.Default())
		broker.FailDials(errors.New("connection refused"))

		err := client.Connect(context.Background())
		var connErr *rabbitmq.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})
}

func TestClientMessaging(t *testing.T) {
	ctx := context.Background()

	t.Run("Send and receive through interceptors", func(t *testing.T) {
		var intercepted atomic.Int32
		counter := interceptors.NewInterceptorFunc("count", func(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
			intercepted.Add(1)
			return next(ctx, msg)
		})
		client, broker := newTestClient(t, config.Default(), WithInterceptors(counter))

		received := make(chan string, 1)
		_, err := client.Receive(ctx, Queue("work"), func(_ context.Context, msg *Message) ([]byte, error) {
			received <- string(msg.Body)
			return nil, nil
		})
		require.NoError(t, err)

		require.NoError(t, client.Send(ctx, Queue("work"), []byte("job")))

		select {
		case body := <-received:
			assert.Equal(t, "job", body)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
		assert.Eventually(t, func() bool { return broker.Unacked("work") == 0 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), intercepted.Load())
		assert.Equal(t, 1, broker.Connections())
	})

	t.Run("Request and reply", func(t *testing.T) {
		client, _ := newTestClient(t, config.Default())

		_, err := client.Receive(ctx, Queue("echo"), echo)
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		reply, err := client.Request(short, Queue("echo"), []byte("Hello, World!"))
		require.NoError(t, err)
		assert.Equal(t, "Hello, World!", string(reply.Body))

		upper, err := client.SendAndReceive(short, Queue("echo"), []byte("ping"), func(reply *Message) ([]byte, error) {
			return append([]byte("got "), reply.Body...), nil
		})
		require.NoError(t, err)
		assert.Equal(t, "got ping", string(upper))
	})

	t.Run("Failed message lands in the dead-letter queue", func(t *testing.T) {
		client, _ := newTestClient(t, config.Default())
		target := Queue("fragile")

		_, err := client.Receive(ctx, target, func(context.Context, *Message) ([]byte, error) {
			return nil, errors.New("cannot process")
		})
		require.NoError(t, err)
		require.NoError(t, client.Send(ctx, target, []byte("poison")))

		assert.Eventually(t, func() bool {
			return client.ReadStats(ctx, target.DeadLetter()).MessageCount == 1
		}, 2*time.Second, 10*time.Millisecond)

		purged := client.Purge(ctx, target.DeadLetter())
		assert.Equal(t, PurgeResult{Queue: "fragile-dlx", MessageCount: 1}, purged)
		assert.Equal(t, 0, client.ReadStats(ctx, target.DeadLetter()).MessageCount)
	})

	t.Run("Unknown route", func(t *testing.T) {
		client, broker := newTestClient(t, config.Default())

		err := client.Send(ctx, Route("orders", "created"), []byte("{}"))
		assert.ErrorIs(t, err, rabbitmq.ErrUnknownRoute)
		assert.Equal(t, 0, broker.Dials())
	})
}

func TestClientTopology(t *testing.T) {
	cfg := config.Default()
	cfg.Exchanges = []config.Exchange{
		{Name: "orders", RoutingKeys: []string{"created"}, MessageTTL: 30 * time.Second},
	}
	client, broker := newTestClient(t, cfg)

	require.NoError(t, client.DeclareTopology(context.Background()))

	assert.True(t, broker.HasExchange("orders"))
	assert.True(t, broker.HasExchange("orders-dlx"))
	assert.True(t, broker.HasQueue("orders.created"))
	assert.True(t, broker.HasQueue("orders.created-dlx"))
	assert.True(t, broker.IsBound("orders", "orders.created", "created"))
	assert.Equal(t, int64(30000), broker.Arguments("orders.created")["x-message-ttl"])
	assert.Equal(t, 30*time.Second, client.Topology().MessageTTL(Route("orders", "created"), QueueOptions{}))
}

func TestClientHealth(t *testing.T) {
	ctx := context.Background()
	client, broker := newTestClient(t, config.Default())

	assert.Equal(t, health.StatusUnhealthy, client.Health(ctx).Status)

	require.NoError(t, client.Connect(ctx))
	report := client.Health(ctx)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "connections")

	_, err := client.Receive(ctx, Queue("monitored"), echo)
	require.NoError(t, err)
	report = client.Health(ctx)
	require.Contains(t, report.Checks, "queue_monitored")
	assert.Equal(t, "monitored-dlx", report.Checks["queue_monitored"].Details["dead_letter_queue"])

	client.WatchQueue(Queue("never-declared"), 0)
	report = client.Health(ctx)
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.Equal(t, health.StatusUnhealthy, report.Checks["queue_never-declared"].Status)
	client.HealthRegistry().Unregister("queue_never-declared")

	// Queue checks reconnect on demand, so only the connection check remains.
	client.HealthRegistry().Unregister("queue_monitored")
	broker.CloseConnections("forced")
	assert.Eventually(t, func() bool {
		return client.Health(ctx).Checks["connections"].Status == health.StatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientShutdown(t *testing.T) {
	ctx := context.Background()
	client, broker := newTestClient(t, config.Default())

	sub, err := client.Receive(ctx, Queue("work"), echo)
	require.NoError(t, err)

	require.NoError(t, client.Shutdown(ctx))
	require.NoError(t, client.Shutdown(ctx))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still running after shutdown")
	}
	assert.Equal(t, 0, broker.Connections())
	assert.Error(t, client.Send(ctx, Queue("work"), []byte("late")))
}
