package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Executor runs AMQP operations on a single lazily opened channel. Its id is
// also the id of the connection it asks the ConnectionManager for, so
// executors sharing an id share a connection.
type Executor struct {
	id       string
	manager  *ConnectionManager
	topology *Topology
	logger   *slog.Logger

	mu        sync.Mutex
	ch        Channel
	live      *liveConn
	closed    bool
	consumers map[string]string // consumer tag -> queue

	// topoMu serializes assertions so each target is declared once.
	topoMu   sync.Mutex
	bindings map[Target]Binding

	flow *gate
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithExecutorID sets the executor id and with it the connection id.
func WithExecutorID(id string) ExecutorOption {
	return func(e *Executor) {
		e.id = id
	}
}

// WithExecutorLogger sets the logger
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor. No connection or channel is opened until
// the first operation.
func NewExecutor(manager *ConnectionManager, topology *Topology, options ...ExecutorOption) *Executor {
	if topology == nil {
		topology = NewTopology()
	}

	e := &Executor{
		id:        uuid.NewString(),
		manager:   manager,
		topology:  topology,
		logger:    slog.Default(),
		consumers: make(map[string]string),
		bindings:  make(map[Target]Binding),
		flow:      newGate(),
	}

	for _, opt := range options {
		opt(e)
	}

	e.logger = e.logger.With("executor", e.id)
	return e
}

// ID returns the executor id.
func (e *Executor) ID() string {
	return e.id
}

// Topology returns the topology targets are validated against.
func (e *Executor) Topology() *Topology {
	return e.topology
}

// channel returns the open channel, creating it and the connection on demand.
func (e *Executor) channel(ctx context.Context) (Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrExecutorClosed
	}
	if e.ch != nil && !e.ch.IsClosed() {
		return e.ch, nil
	}

	live, err := e.manager.connect(ctx, e.id)
	if err != nil {
		return nil, err
	}

	ch, err := live.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:         "open",
			ExecutorID: e.id,
			Err:        errors.Join(ErrChannelCreationFailed, err),
			Timestamp:  time.Now(),
		}
	}

	if e.live != nil && e.live != live {
		// Exclusive and auto-delete queues died with the old connection.
		e.topoMu.Lock()
		e.bindings = make(map[Target]Binding)
		e.topoMu.Unlock()
	}

	e.ch = ch
	e.live = live
	e.flow.set(false)
	e.watch(ch)

	e.logger.Debug("channel opened")
	return ch, nil
}

// watch tracks broker flow control on ch and forgets ch once it closes.
func (e *Executor) watch(ch Channel) {
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	flows := ch.NotifyFlow(make(chan bool, 1))

	go func() {
		for {
			select {
			case err, ok := <-closes:
				if err != nil {
					e.logger.Warn("channel closed by broker",
						"code", err.Code,
						"reason", err.Reason)
				}
				if !ok {
					e.channelLost(ch)
					return
				}

			case active, ok := <-flows:
				if !ok {
					flows = nil
					continue
				}
				if e.flow.set(!active) {
					if active {
						e.logger.Info("publishing resumed by broker")
					} else {
						e.logger.Warn("publishing paused by broker")
					}
				}
			}
		}
	}()
}

func (e *Executor) channelLost(ch Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ch != ch {
		return
	}
	e.ch = nil
	e.flow.set(false)

	// Broker consumers do not survive their channel.
	for tag := range e.consumers {
		delete(e.consumers, tag)
	}
}

// EnsureQueue asserts the queue, dead-letter pair and bindings for target.
// Each distinct target is asserted once per connection; later calls return
// the cached Binding without talking to the broker. A new connection clears
// the cache, so the first call after a reconnect asserts again.
func (e *Executor) EnsureQueue(ctx context.Context, target Target, opts QueueOptions) (Binding, error) {
	if err := e.topology.Validate(target); err != nil {
		return Binding{}, topologyError("validate", "target", target.String(), err)
	}

	// The channel comes first: opening it on a new connection is what
	// invalidates the cached bindings.
	ch, err := e.channel(ctx)
	if err != nil {
		return Binding{}, err
	}

	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	if binding, ok := e.bindings[target]; ok {
		return binding, nil
	}

	e.logger.Debug("asserting queue", "target", target.String())
	binding, err := e.topology.declare(ch, target, opts)
	if err != nil {
		return Binding{}, err
	}

	e.bindings[target] = binding
	return binding, nil
}

// DeclareRoutes asserts every route in the routing table with default queue
// options.
func (e *Executor) DeclareRoutes(ctx context.Context) error {
	for _, target := range e.topology.Routes().Targets() {
		if _, err := e.EnsureQueue(ctx, target, DefaultQueueOptions()); err != nil {
			return err
		}
	}
	return nil
}

// Paused reports whether the broker currently refuses publishes, through
// channel flow or a blocked connection.
func (e *Executor) Paused() bool {
	if e.flow.isPaused() {
		return true
	}

	e.mu.Lock()
	live := e.live
	e.mu.Unlock()
	return live != nil && live.blocked.isPaused()
}

// Drained returns a channel that is closed once the broker accepts publishes
// again. It is already closed when publishing is not paused.
func (e *Executor) Drained() <-chan struct{} {
	e.mu.Lock()
	live := e.live
	e.mu.Unlock()

	if live == nil {
		return e.flow.opened()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			flowPaused, flowOpen := e.flow.state()
			blocked, unblocked := live.blocked.state()
			switch {
			case flowPaused:
				<-flowOpen
			case blocked:
				<-unblocked
			default:
				return
			}
		}
	}()
	return done
}

// Publish writes msg to target. It returns ErrBackpressure without writing
// when the broker has paused publishing; the caller decides whether to wait
// on Drained.
func (e *Executor) Publish(ctx context.Context, target Target, msg amqp.Publishing) error {
	if e.Paused() {
		return ErrBackpressure
	}
	return e.write(ctx, target, msg)
}

// write publishes regardless of flow state.
func (e *Executor) write(ctx context.Context, target Target, msg amqp.Publishing) error {
	ch, err := e.channel(ctx)
	if err != nil {
		return err
	}

	exchange, key := target.address()
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: key,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// ConsumeSpec describes a broker consumer.
type ConsumeSpec struct {
	Tag       string
	Prefetch  int
	Exclusive bool
	Arguments amqp.Table
}

// Consume applies the prefetch limit and starts a manual-ack consumer on
// queue. The tag is registered until Cancel or Close.
func (e *Executor) Consume(ctx context.Context, queue string, spec ConsumeSpec) (<-chan amqp.Delivery, error) {
	ch, err := e.channel(ctx)
	if err != nil {
		return nil, err
	}

	if spec.Tag == "" {
		spec.Tag = uuid.NewString()
	}
	if spec.Prefetch > 0 {
		if err := ch.Qos(spec.Prefetch, 0, false); err != nil {
			return nil, &ConsumerError{
				Queue:       queue,
				ConsumerTag: spec.Tag,
				Op:          "qos",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(queue, spec.Tag, false, spec.Exclusive, false, false, spec.Arguments)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: spec.Tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	e.mu.Lock()
	e.consumers[spec.Tag] = queue
	e.mu.Unlock()

	return deliveries, nil
}

// Cancel stops the broker consumer registered under tag. Deliveries already
// received can still be acknowledged.
func (e *Executor) Cancel(tag string) error {
	e.mu.Lock()
	queue, ok := e.consumers[tag]
	delete(e.consumers, tag)
	ch := e.ch
	e.mu.Unlock()

	if !ok || ch == nil || ch.IsClosed() {
		return nil
	}

	if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// Consumers returns the number of registered consumers.
func (e *Executor) Consumers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.consumers)
}

// Close closes the channel but not the connection. Consumers still registered
// are logged and stop receiving. Operations after Close return
// ErrExecutorClosed.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ch := e.ch
	e.ch = nil
	for tag, queue := range e.consumers {
		e.logger.Warn("closing channel with active consumer", "tag", tag, "queue", queue)
		delete(e.consumers, tag)
	}
	e.mu.Unlock()

	e.flow.set(false)

	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{
			Op:         "close",
			ExecutorID: e.id,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	e.logger.Debug("channel closed")
	return nil
}

// QueueStats is a point-in-time view of a queue.
type QueueStats struct {
	Queue         string
	MessageCount  int
	ConsumerCount int
}

// PurgeResult reports how many messages a purge removed.
type PurgeResult struct {
	Queue        string
	MessageCount int
}

// InspectQueue reads message and consumer counts for the queue behind target
// on a side channel. IsNotFound reports a missing queue.
func (e *Executor) InspectQueue(ctx context.Context, target Target) (QueueStats, error) {
	stats := QueueStats{Queue: target.QueueName()}

	err := e.sideChannel(ctx, func(ch Channel) error {
		q, err := ch.QueueDeclarePassive(stats.Queue, false, false, false, false, nil)
		if err != nil {
			return err
		}
		stats.MessageCount = q.Messages
		stats.ConsumerCount = q.Consumers
		return nil
	})
	if err != nil {
		return QueueStats{Queue: stats.Queue}, err
	}
	return stats, nil
}

// ReadStats is InspectQueue with failures, including a missing queue, logged
// and reported as zero counts.
func (e *Executor) ReadStats(ctx context.Context, target Target) QueueStats {
	stats, err := e.InspectQueue(ctx, target)
	if err != nil {
		e.logger.Error("failed to read queue stats", "queue", stats.Queue, "error", err)
	}
	return stats
}

// Purge removes every ready message from the queue behind target. Failures
// are logged and reported as zero removed.
func (e *Executor) Purge(ctx context.Context, target Target) PurgeResult {
	result := PurgeResult{Queue: target.QueueName()}

	err := e.sideChannel(ctx, func(ch Channel) error {
		n, err := ch.QueuePurge(result.Queue, false)
		if err != nil {
			return err
		}
		result.MessageCount = n
		return nil
	})
	if err != nil {
		e.logger.Error("failed to purge queue", "queue", result.Queue, "error", err)
		return PurgeResult{Queue: result.Queue}
	}

	e.logger.Info("queue purged", "queue", result.Queue, "messages", result.MessageCount)
	return result
}

// sideChannel runs fn on a short-lived channel of the executor's connection.
// The broker closes a channel that inspects a missing queue, which must not
// take the executor's own channel with it.
func (e *Executor) sideChannel(ctx context.Context, fn func(Channel) error) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrExecutorClosed
	}

	live, err := e.manager.connect(ctx, e.id)
	if err != nil {
		return err
	}

	ch, err := live.conn.Channel()
	if err != nil {
		return errors.Join(ErrChannelCreationFailed, err)
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			e.logger.Debug("closing side channel failed", "error", err)
		}
	}()

	return fn(ch)
}

// gate is open unless paused. Waiters receive a channel that is closed when
// the gate reopens.
type gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

func newGate() *gate {
	g := &gate{open: make(chan struct{})}
	close(g.open)
	return g
}

// set changes the state and reports whether it changed.
func (g *gate) set(paused bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused == paused {
		return false
	}
	g.paused = paused
	if paused {
		g.open = make(chan struct{})
	} else {
		close(g.open)
	}
	return true
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *gate) opened() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *gate) state() (bool, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused, g.open
}
