package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultContentType = "application/octet-stream"

type publishConfig struct {
	msg   amqp.Publishing
	queue QueueOptions
}

// PublishOption configures a single publish
type PublishOption func(*publishConfig)

// WithHeaders adds headers to the message.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(c *publishConfig) {
		for k, v := range headers {
			c.msg.Headers[k] = v
		}
	}
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) PublishOption {
	return func(c *publishConfig) {
		c.msg.MessageId = id
	}
}

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(c *publishConfig) {
		c.msg.CorrelationId = id
	}
}

// WithReplyTo sets the queue a responder should reply to.
func WithReplyTo(queue string) PublishOption {
	return func(c *publishConfig) {
		c.msg.ReplyTo = queue
	}
}

// WithContentType sets the content type, application/octet-stream by default.
func WithContentType(contentType string) PublishOption {
	return func(c *publishConfig) {
		c.msg.ContentType = contentType
	}
}

// WithExpiration sets a per-message TTL.
func WithExpiration(ttl time.Duration) PublishOption {
	return func(c *publishConfig) {
		c.msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
}

// WithPriority sets the message priority.
func WithPriority(priority uint8) PublishOption {
	return func(c *publishConfig) {
		c.msg.Priority = priority
	}
}

// WithTransient publishes without persisting the message to disk.
func WithTransient() PublishOption {
	return func(c *publishConfig) {
		c.msg.DeliveryMode = amqp.Transient
	}
}

// WithPublishQueueOptions sets the options used when the send asserts the
// target's queue.
func WithPublishQueueOptions(opts QueueOptions) PublishOption {
	return func(c *publishConfig) {
		c.queue = opts
	}
}

func newPublishConfig(body []byte, options []PublishOption) *publishConfig {
	cfg := &publishConfig{
		msg: amqp.Publishing{
			Headers:      amqp.Table{},
			ContentType:  defaultContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
		queue: DefaultQueueOptions(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Producer publishes messages through an Executor, asserting each target's
// topology before the first send to it.
type Producer struct {
	executor  *Executor
	logger    *slog.Logger
	telemetry *Telemetry

	requesterOnce sync.Once
	requester     *Requester
}

// ProducerOption configures a Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithProducerTelemetry sets the telemetry instruments.
func WithProducerTelemetry(t *Telemetry) ProducerOption {
	return func(p *Producer) {
		p.telemetry = t
	}
}

// WithProducerRequester sets the coordinator used by SendAndReceive. By
// default one is created on the producer's connection.
func WithProducerRequester(r *Requester) ProducerOption {
	return func(p *Producer) {
		p.requester = r
	}
}

// NewProducer creates a producer
func NewProducer(executor *Executor, options ...ProducerOption) *Producer {
	p := &Producer{
		executor: executor,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.telemetry == nil {
		p.telemetry = NewTelemetry()
	}
	return p
}

// Send asserts the target's topology and publishes body to it. When the broker
// has paused publishing, Send waits until it resumes and then writes the
// message once. It returns early only if ctx ends while waiting.
func (p *Producer) Send(ctx context.Context, target Target, body []byte, options ...PublishOption) error {
	cfg := newPublishConfig(body, options)

	if _, err := p.executor.EnsureQueue(ctx, target, cfg.queue); err != nil {
		return err
	}

	return p.publish(ctx, target, cfg.msg)
}

// publish writes msg to target, which must already be asserted.
func (p *Producer) publish(ctx context.Context, target Target, msg amqp.Publishing) (err error) {
	ctx, span := p.telemetry.startPublish(ctx, target, &msg)
	defer func() { endSpan(span, err) }()

	err = p.executor.Publish(ctx, target, msg)
	if errors.Is(err, ErrBackpressure) {
		p.telemetry.recordBackpressure(ctx, target)
		p.logger.Warn("publish deferred until broker resumes",
			"target", target.String(),
			"messageId", msg.MessageId)

		select {
		case <-p.executor.Drained():
		case <-ctx.Done():
			return &PublishError{
				Exchange:   target.Exchange(),
				RoutingKey: target.RoutingKey(),
				Err:        ctx.Err(),
				Timestamp:  time.Now(),
			}
		}

		err = p.executor.write(ctx, target, msg)
	}
	if err != nil {
		return err
	}

	p.telemetry.recordPublished(ctx, target)
	p.logger.Debug("message published",
		"target", target.String(),
		"messageId", msg.MessageId)
	return nil
}

// SendAndReceive sends body as a request to target and passes the reply to
// handler, returning its result. ctx bounds the wait for the reply.
func (p *Producer) SendAndReceive(ctx context.Context, target Target, body []byte, handler ReplyHandler, options ...PublishOption) ([]byte, error) {
	return SendAndReceive[[]byte](ctx, p.Requester(), target, body, handler, options...)
}

// Requester returns the request/reply coordinator used by SendAndReceive.
func (p *Producer) Requester() *Requester {
	p.requesterOnce.Do(func() {
		if p.requester != nil {
			return
		}
		p.requester = NewRequester(p.executor.manager, p.executor.topology,
			WithRequesterConnectionID(p.executor.ID()),
			WithRequesterLogger(p.logger),
			WithRequesterTelemetry(p.telemetry),
			WithRequesterProducer(p),
		)
	})
	return p.requester
}

// Executor returns the executor the producer publishes through.
func (p *Producer) Executor() *Executor {
	return p.executor
}
