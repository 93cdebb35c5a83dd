package rabbitmq

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ReplyHandler maps a reply to the result of SendAndReceive.
type ReplyHandler func(reply *Message) ([]byte, error)

// Requester sends requests and waits for their replies. Each request gets its
// own exclusive, auto-deleted reply queue on a short-lived channel of the
// requester's connection.
type Requester struct {
	manager   *ConnectionManager
	topology  *Topology
	connID    string
	logger    *slog.Logger
	telemetry *Telemetry
	timeout   time.Duration

	producer *Producer
	owned    *Executor
}

// RequesterOption configures a Requester
type RequesterOption func(*Requester)

// WithRequesterConnectionID sets the connection reply queues are declared on.
func WithRequesterConnectionID(id string) RequesterOption {
	return func(r *Requester) {
		r.connID = id
	}
}

// WithRequesterLogger sets the logger
func WithRequesterLogger(logger *slog.Logger) RequesterOption {
	return func(r *Requester) {
		r.logger = logger
	}
}

// WithRequesterTelemetry sets the telemetry instruments.
func WithRequesterTelemetry(t *Telemetry) RequesterOption {
	return func(r *Requester) {
		r.telemetry = t
	}
}

// WithRequestTimeout bounds requests whose context has no deadline. Without
// it such requests wait for a reply indefinitely.
func WithRequestTimeout(d time.Duration) RequesterOption {
	return func(r *Requester) {
		r.timeout = d
	}
}

// WithRequesterProducer publishes requests through p instead of a producer
// owned by the requester.
func WithRequesterProducer(p *Producer) RequesterOption {
	return func(r *Requester) {
		r.producer = p
	}
}

// NewRequester creates a request/reply coordinator
func NewRequester(manager *ConnectionManager, topology *Topology, options ...RequesterOption) *Requester {
	r := &Requester{
		manager:  manager,
		topology: topology,
		connID:   uuid.NewString(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.telemetry == nil {
		r.telemetry = NewTelemetry()
	}
	if r.producer == nil {
		r.owned = NewExecutor(manager, topology,
			WithExecutorID(r.connID),
			WithExecutorLogger(r.logger))
		r.producer = NewProducer(r.owned,
			WithProducerLogger(r.logger),
			WithProducerTelemetry(r.telemetry),
			WithProducerRequester(r))
	}
	return r
}

// Request publishes body to target and returns the first reply carrying the
// request's correlation id. The reply consumer is subscribed before the
// request is published. If ctx ends first, Request returns ErrRequestTimeout
// and releases the reply queue.
func (r *Requester) Request(ctx context.Context, target Target, body []byte, options ...PublishOption) (*Message, error) {
	if err := r.topology.Validate(target); err != nil {
		return nil, topologyError("validate", "target", target.String(), err)
	}

	if r.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
	}

	exec := NewExecutor(r.manager, r.topology,
		WithExecutorID(r.connID),
		WithExecutorLogger(r.logger))
	defer exec.Close()

	replyQueue := replyQueueName(target)
	correlationID := uuid.NewString()
	replies := make(chan *Message, 1)

	consumer := NewConsumer(exec,
		WithConsumerLogger(r.logger),
		WithConsumerTelemetry(r.telemetry))

	sub, err := consumer.Receive(ctx, Queue(replyQueue), func(_ context.Context, msg *Message) ([]byte, error) {
		if msg.CorrelationID != correlationID {
			r.logger.Debug("dropping reply with unexpected correlation id",
				"queue", replyQueue,
				"correlationId", msg.CorrelationID)
			return nil, nil
		}
		select {
		case replies <- msg:
		default:
		}
		return nil, nil
	},
		WithExclusive(true),
		WithConsumeQueueOptions(QueueOptions{
			AutoDelete: true,
			Exclusive:  true,
			Ephemeral:  true,
		}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("failed to cancel reply consumer", "queue", replyQueue, "error", err)
		}
		<-sub.Done()
	}()

	options = append(options, WithReplyTo(replyQueue), WithCorrelationID(correlationID))
	if err := r.producer.Send(ctx, target, body, options...); err != nil {
		return nil, err
	}

	r.logger.Debug("request sent",
		"target", target.String(),
		"replyTo", replyQueue,
		"correlationId", correlationID)

	select {
	case reply := <-replies:
		return reply, nil
	case <-sub.Done():
		// Receive unsubscribes when ctx ends, so a timeout may surface here.
		if ctx.Err() == nil {
			return nil, fmt.Errorf("%w: reply queue %s", ErrSubscriptionClosed, replyQueue)
		}
	case <-ctx.Done():
	}

	select {
	case reply := <-replies:
		return reply, nil
	default:
	}

	r.logger.Warn("request timed out",
		"target", target.String(),
		"correlationId", correlationID)
	return nil, fmt.Errorf("%w: %w", ErrRequestTimeout, ctx.Err())
}

// Close releases the requester's own publishing channel, if any.
func (r *Requester) Close() error {
	if r.owned == nil {
		return nil
	}
	return r.owned.Close()
}

// SendAndReceive performs a request and maps the reply through fn.
func SendAndReceive[R any](ctx context.Context, r *Requester, target Target, body []byte, fn func(*Message) (R, error), options ...PublishOption) (R, error) {
	reply, err := r.Request(ctx, target, body, options...)
	if err != nil {
		var zero R
		return zero, err
	}
	if fn == nil {
		var zero R
		if b, ok := any(reply.Body).(R); ok {
			return b, nil
		}
		return zero, nil
	}
	return fn(reply)
}

// replyQueueName returns tmp-<queue>-<random hex>.
func replyQueueName(target Target) string {
	id := uuid.New()
	return "tmp-" + target.QueueName() + "-" + hex.EncodeToString(id[:8])
}
