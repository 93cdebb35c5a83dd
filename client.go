// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package relay sends, receives and requests messages over RabbitMQ with
// dead-letter queues, backpressure handling and request/reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/relay/config"
	"github.com/glimte/relay/health"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/internal/rabbitmq"
)

// Core types, re-exported for callers outside this module.
type (
	Target        = rabbitmq.Target
	Message       = rabbitmq.Message
	Handler       = rabbitmq.Handler
	ReplyHandler  = rabbitmq.ReplyHandler
	QueueOptions  = rabbitmq.QueueOptions
	QueueStats    = rabbitmq.QueueStats
	PurgeResult   = rabbitmq.PurgeResult
	Subscription  = rabbitmq.Subscription
	PublishOption = rabbitmq.PublishOption
	ConsumeOption = rabbitmq.ConsumeOption
	Dialer        = rabbitmq.Dialer
	Telemetry     = rabbitmq.Telemetry
)

// Queue returns a target for a plain queue.
func Queue(name string) Target {
	return rabbitmq.Queue(name)
}

// Route returns a target for an exchange and routing key declared in the
// configuration.
func Route(exchange, routingKey string) Target {
	return rabbitmq.Route(exchange, routingKey)
}

// Publish and consume options.
var (
	WithHeaders             = rabbitmq.WithHeaders
	WithMessageID           = rabbitmq.WithMessageID
	WithCorrelationID       = rabbitmq.WithCorrelationID
	WithContentType         = rabbitmq.WithContentType
	WithExpiration          = rabbitmq.WithExpiration
	WithPriority            = rabbitmq.WithPriority
	WithTransient           = rabbitmq.WithTransient
	WithPublishQueueOptions = rabbitmq.WithPublishQueueOptions
	WithPrefetch            = rabbitmq.WithPrefetch
	WithConsumerTag         = rabbitmq.WithConsumerTag
	WithExclusive           = rabbitmq.WithExclusive
	WithConsumeQueueOptions = rabbitmq.WithConsumeQueueOptions
	WithHandlerTimeout      = rabbitmq.WithHandlerTimeout
)

// Client provides the main entry point for relay
type Client struct {
	cfg    config.Config
	id     string
	logger *slog.Logger

	manager   *rabbitmq.ConnectionManager
	topology  *rabbitmq.Topology
	publisher *rabbitmq.Executor
	receiver  *rabbitmq.Executor
	producer  *rabbitmq.Producer
	consumer  *rabbitmq.Consumer
	requester *rabbitmq.Requester

	health       *health.Registry
	interceptors []interceptors.Interceptor

	shutdownOnce sync.Once
	shutdownErr  error
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	connectionID string
	dialer       rabbitmq.Dialer
	telemetry    *rabbitmq.Telemetry
	interceptors []interceptors.Interceptor
}

// Option configures the client
type Option func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithConnectionID names the connection the client's channels share.
func WithConnectionID(id string) Option {
	return func(cfg *clientConfig) {
		cfg.connectionID = id
	}
}

// WithDialer replaces the network dialer, mostly for tests.
func WithDialer(dial Dialer) Option {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}

// WithTelemetry sets the tracer and meter used by every component.
func WithTelemetry(t *Telemetry) Option {
	return func(cfg *clientConfig) {
		cfg.telemetry = t
	}
}

// WithInterceptors wraps every handler passed to Receive. The first
// interceptor is the outermost.
func WithInterceptors(i ...interceptors.Interceptor) Option {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, i...)
	}
}

// New validates cfg and builds a client. No connection is opened until the
// first operation or an explicit Connect.
func New(cfg config.Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger:       slog.Default(),
		connectionID: uuid.NewString(),
	}
	for _, opt := range options {
		opt(cc)
	}
	if cc.telemetry == nil {
		cc.telemetry = rabbitmq.NewTelemetry()
	}

	connOpts := append(cfg.ConnectionOptions(), rabbitmq.WithLogger(cc.logger))
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}
	manager := rabbitmq.NewConnectionManager(cfg.URL, connOpts...)
	topology := cfg.Topology()

	// Publishing and consuming use separate channels on one connection, so a
	// paused publish channel never stalls deliveries.
	publisher := rabbitmq.NewExecutor(manager, topology,
		rabbitmq.WithExecutorID(cc.connectionID),
		rabbitmq.WithExecutorLogger(cc.logger))
	receiver := rabbitmq.NewExecutor(manager, topology,
		rabbitmq.WithExecutorID(cc.connectionID),
		rabbitmq.WithExecutorLogger(cc.logger))

	producer := rabbitmq.NewProducer(publisher,
		rabbitmq.WithProducerLogger(cc.logger),
		rabbitmq.WithProducerTelemetry(cc.telemetry))
	consumer := rabbitmq.NewConsumer(receiver,
		rabbitmq.WithConsumerLogger(cc.logger),
		rabbitmq.WithConsumerTelemetry(cc.telemetry))

	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(manager, cc.connectionID))
	registry.SetMetadata("connectionId", cc.connectionID)
	registry.SetMetadata("url", manager.URL())

	return &Client{
		cfg:          cfg,
		id:           cc.connectionID,
		logger:       cc.logger,
		manager:      manager,
		topology:     topology,
		publisher:    publisher,
		receiver:     receiver,
		producer:     producer,
		consumer:     consumer,
		requester:    producer.Requester(),
		health:       registry,
		interceptors: cc.interceptors,
	}, nil
}

// Connect opens the client's connection. Callers that want retries wrap it
// in their own policy; the client never retries.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.manager.Connect(ctx, c.id)
	return err
}

// DeclareTopology asserts every configured route and its dead-letter pair.
func (c *Client) DeclareTopology(ctx context.Context) error {
	return c.publisher.DeclareRoutes(ctx)
}

// Send publishes body to target.
func (c *Client) Send(ctx context.Context, target Target, body []byte, options ...PublishOption) error {
	return c.producer.Send(ctx, target, body, options...)
}

// Receive subscribes handler to target. The configured prefetch applies
// unless overridden in options.
func (c *Client) Receive(ctx context.Context, target Target, handler Handler, options ...ConsumeOption) (*Subscription, error) {
	if len(c.interceptors) > 0 {
		handler = interceptors.Chain(handler, c.interceptors...)
	}
	if c.cfg.Prefetch > 0 {
		options = append([]ConsumeOption{rabbitmq.WithPrefetch(c.cfg.Prefetch)}, options...)
	}

	sub, err := c.consumer.Receive(ctx, target, handler, options...)
	if err != nil {
		return nil, err
	}

	c.WatchQueue(target, 0)
	return sub, nil
}

// WatchQueue adds a health check on target's queue depth. The queue is
// degraded above threshold messages; zero uses health.DefaultQueueThreshold.
func (c *Client) WatchQueue(target Target, threshold int) {
	c.health.Register(health.NewQueueChecker(target, c.receiver, threshold))
}

// Request sends body to target and waits for the correlated reply. ctx
// bounds the wait.
func (c *Client) Request(ctx context.Context, target Target, body []byte, options ...PublishOption) (*Message, error) {
	return c.requester.Request(ctx, target, body, options...)
}

// SendAndReceive sends a request and returns handler's result for the reply.
func (c *Client) SendAndReceive(ctx context.Context, target Target, body []byte, handler ReplyHandler, options ...PublishOption) ([]byte, error) {
	return c.producer.SendAndReceive(ctx, target, body, handler, options...)
}

// ReadStats returns message and consumer counts for target's queue. Use
// target.DeadLetter() for its dead-letter queue.
func (c *Client) ReadStats(ctx context.Context, target Target) QueueStats {
	return c.publisher.ReadStats(ctx, target)
}

// Purge removes every ready message from target's queue.
func (c *Client) Purge(ctx context.Context, target Target) PurgeResult {
	return c.publisher.Purge(ctx, target)
}

// Health runs the connection check and a queue check for every subscribed
// target.
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.CheckAll(ctx)
}

// HealthRegistry returns the registry Health reports from, for callers that
// add their own checks.
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Topology returns the resolved routing table and TTLs.
func (c *Client) Topology() *rabbitmq.Topology {
	return c.topology
}

// Shutdown unsubscribes every handler, waiting for in-flight ones until ctx
// ends, then closes all channels and connections. Later calls return the
// first result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		var errs []error
		if err := c.consumer.UnsubscribeAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
		if err := c.requester.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close requester: %w", err))
		}
		if err := c.receiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close receiver: %w", err))
		}
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
		if err := c.manager.CloseAll(); err != nil {
			errs = append(errs, fmt.Errorf("close connections: %w", err))
		}
		c.shutdownErr = errors.Join(errs...)
		c.logger.Info("client shut down", "connectionId", c.id)
	})
	return c.shutdownErr
}
