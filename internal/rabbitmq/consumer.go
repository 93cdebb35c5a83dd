package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RepliedFromHeader names the queue a reply was produced by.
const RepliedFromHeader = "x-replied-from"

// Message is a received message. The body is never interpreted.
type Message struct {
	Body          []byte
	MessageID     string
	CorrelationID string
	ReplyTo       string
	ContentType   string
	Timestamp     time.Time
	Headers       amqp.Table
	Queue         string
	Redelivered   bool
}

func newMessage(queue string, d amqp.Delivery) *Message {
	return &Message{
		Body:          d.Body,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		Timestamp:     d.Timestamp,
		Headers:       d.Headers,
		Queue:         queue,
		Redelivered:   d.Redelivered,
	}
}

// Header returns a string header value, or "" when absent.
func (m *Message) Header(key string) string {
	v, _ := m.Headers[key].(string)
	return v
}

// Handler processes a message. A returned error or a panic dead-letters the
// message. When the message expects a reply, the returned bytes are the reply
// and must not be empty.
type Handler func(ctx context.Context, msg *Message) ([]byte, error)

// Consumer subscribes handlers to queues through an Executor.
type Consumer struct {
	executor  *Executor
	producer  *Producer
	logger    *slog.Logger
	telemetry *Telemetry

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerTelemetry sets the telemetry instruments.
func WithConsumerTelemetry(t *Telemetry) ConsumerOption {
	return func(c *Consumer) {
		c.telemetry = t
	}
}

// NewConsumer creates a new consumer
func NewConsumer(executor *Executor, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		executor: executor,
		logger:   slog.Default(),
		subs:     make(map[*Subscription]struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.telemetry == nil {
		c.telemetry = NewTelemetry()
	}
	c.producer = NewProducer(executor,
		WithProducerLogger(c.logger),
		WithProducerTelemetry(c.telemetry),
	)
	return c
}

type consumeConfig struct {
	prefetch       int
	tag            string
	exclusive      bool
	queue          QueueOptions
	handlerTimeout time.Duration
}

// ConsumeOption configures a single subscription
type ConsumeOption func(*consumeConfig)

// WithPrefetch sets how many unacknowledged messages the subscription holds,
// and with it how many handlers run at once. The default is 1.
func WithPrefetch(n int) ConsumeOption {
	return func(c *consumeConfig) {
		c.prefetch = n
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumeOption {
	return func(c *consumeConfig) {
		c.tag = tag
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.exclusive = exclusive
	}
}

// WithConsumeQueueOptions sets the options used to assert the queue.
func WithConsumeQueueOptions(opts QueueOptions) ConsumeOption {
	return func(c *consumeConfig) {
		c.queue = opts
	}
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) ConsumeOption {
	return func(c *consumeConfig) {
		c.handlerTimeout = d
	}
}

// Receive asserts the target's topology and starts delivering its messages to
// handler. A message is acknowledged after the handler succeeds, and after its
// reply is published when it carries a reply-to. A failed message is rejected
// without requeue and lands in the dead-letter queue.
//
// Cancelling ctx unsubscribes. Handlers already running are not cancelled.
func (c *Consumer) Receive(ctx context.Context, target Target, handler Handler, options ...ConsumeOption) (*Subscription, error) {
	cfg := &consumeConfig{
		prefetch: 1,
		tag:      uuid.NewString(),
		queue:    DefaultQueueOptions(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.prefetch < 1 {
		cfg.prefetch = 1
	}

	binding, err := c.executor.EnsureQueue(ctx, target, cfg.queue)
	if err != nil {
		return nil, err
	}

	deliveries, err := c.executor.Consume(ctx, binding.Queue, ConsumeSpec{
		Tag:       cfg.tag,
		Prefetch:  cfg.prefetch,
		Exclusive: cfg.exclusive,
	})
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		consumer: c,
		queue:    binding.Queue,
		tag:      cfg.tag,
		handler:  handler,
		prefetch: cfg.prefetch,
		timeout:  cfg.handlerTimeout,
		ctx:      context.WithoutCancel(ctx),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.run(deliveries)
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	c.logger.Info("subscribed to queue",
		"queue", sub.queue,
		"consumerTag", sub.tag,
		"prefetchCount", sub.prefetch)

	return sub, nil
}

// UnsubscribeAll cancels every subscription and waits for their handlers to
// finish or ctx to end.
func (c *Consumer) UnsubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error("failed to unsubscribe", "queue", sub.queue, "error", err)
		}
	}

	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Consumer) forget(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// handle runs the handler for one delivery and settles it.
func (c *Consumer) handle(sub *Subscription, d amqp.Delivery) {
	ctx, span := c.telemetry.startProcess(sub.ctx, sub.queue, d)
	start := time.Now()

	if sub.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sub.timeout)
		defer cancel()
	}

	result, err := invoke(ctx, sub.handler, newMessage(sub.queue, d))
	if err == nil && d.ReplyTo != "" {
		if len(result) == 0 {
			err = ErrEmptyReply
		} else {
			err = c.reply(ctx, sub.queue, d, result)
		}
	}

	c.telemetry.recordOutcome(ctx, sub.queue, time.Since(start), err)
	defer endSpan(span, err)

	if err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"queue", sub.queue,
			"messageId", d.MessageId)

		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err)
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
}

// reply publishes result to the delivery's reply-to queue through the default
// exchange. The queue belongs to the requester and is not asserted here.
func (c *Consumer) reply(ctx context.Context, queue string, d amqp.Delivery, result []byte) error {
	msg := amqp.Publishing{
		Headers:       amqp.Table{RepliedFromHeader: queue},
		ContentType:   defaultContentType,
		DeliveryMode:  amqp.Transient,
		CorrelationId: d.CorrelationId,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now(),
		Body:          result,
	}
	return c.producer.publish(ctx, Queue(d.ReplyTo), msg)
}

func invoke(ctx context.Context, handler Handler, msg *Message) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, msg)
}

// Subscription is a running consumer.
type Subscription struct {
	consumer *Consumer
	queue    string
	tag      string
	handler  Handler
	prefetch int
	timeout  time.Duration
	ctx      context.Context

	once sync.Once
	err  error
	done chan struct{}
}

func (s *Subscription) run(deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		s.consumer.forget(s)
		close(s.done)
		s.consumer.logger.Info("consumer stopped", "queue", s.queue, "consumerTag", s.tag)
	}()

	sem := make(chan struct{}, s.prefetch)
	for d := range deliveries {
		sem <- struct{}{}
		wg.Add(1)
		go func(d amqp.Delivery) {
			defer func() {
				<-sem
				wg.Done()
			}()
			s.consumer.handle(s, d)
		}(d)
	}
}

// Unsubscribe stops new deliveries. Handlers already running finish and their
// messages are still settled. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.consumer.executor.Cancel(s.tag)
		s.consumer.logger.Info("unsubscribed from queue", "queue", s.queue, "consumerTag", s.tag)
	})
	return s.err
}

// Done is closed once the subscription has stopped and its handlers returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Queue returns the consumed queue.
func (s *Subscription) Queue() string {
	return s.queue
}

// Tag returns the consumer tag.
func (s *Subscription) Tag() string {
	return s.tag
}
