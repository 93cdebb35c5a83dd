package amqptest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relay/internal/rabbitmq"
)

// Conn is a client connection to a Broker.
type Conn struct {
	broker         *Broker
	closed         bool
	channels       map[*Channel]struct{}
	closeListeners []chan *amqp.Error
	blockListeners []chan amqp.Blocking
}

// Channel opens a channel.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		conn:      c,
		broker:    b,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for the connection closing.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeListeners = append(c.closeListeners, receiver)
	return receiver
}

// NotifyBlocked registers a listener for connection.blocked and unblocked.
func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockListeners = append(c.blockListeners, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and its channels.
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	fx := c.shutdown(nil)
	b.mu.Unlock()

	b.run(fx)
	return nil
}

// shutdown is called with the broker lock held.
func (c *Conn) shutdown(err *amqp.Error) effects {
	b := c.broker
	if c.closed {
		return nil
	}
	c.closed = true
	delete(b.conns, c)

	var fx effects
	for ch := range c.channels {
		fx = append(fx, ch.shutdown(err)...)
	}

	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueue(q)
		}
	}

	closes, blocks := c.closeListeners, c.blockListeners
	c.closeListeners, c.blockListeners = nil, nil

	return append(fx, func() {
		for _, l := range closes {
			if err != nil {
				l <- err
			}
			close(l)
		}
		for _, l := range blocks {
			close(l)
		}
	})
}

type pending struct {
	msg      *message
	queue    *queue
	consumer *consumer
}

// Channel is an AMQP channel on a Conn. It is also the Acknowledger of the
// deliveries it carries.
type Channel struct {
	conn   *Conn
	broker *Broker
	closed bool

	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer

	closeListeners []chan *amqp.Error
	flowListeners  []chan bool
}

var (
	_ rabbitmq.Connection = (*Conn)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)

// shutdown is called with the broker lock held. Unsettled deliveries return
// to the front of their queues.
func (ch *Channel) shutdown(err *amqp.Error) effects {
	b := ch.broker
	if ch.closed {
		return nil
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[*queue]struct{})
	for _, tag := range tags {
		p := ch.unacked[tag]
		if p.queue.deleted {
			continue
		}
		p.msg.redelivered = true
		p.queue.ready = append([]*message{p.msg}, p.queue.ready...)
		touched[p.queue] = struct{}{}
	}
	ch.unacked = make(map[uint64]*pending)

	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		b.removeConsumer(c, true)
	}

	for q := range touched {
		b.dispatch(q)
	}

	closes, flows := ch.closeListeners, ch.flowListeners
	ch.closeListeners, ch.flowListeners = nil, nil

	return effects{func() {
		for _, l := range closes {
			if err != nil {
				l <- err
			}
			close(l)
		}
		for _, l := range flows {
			close(l)
		}
	}}
}

// fail closes the channel with a server error and returns it, as the broker
// does for failed synchronous methods. Called with the broker lock held; the
// caller runs the returned effects after unlocking.
func (ch *Channel) fail(code int, format string, args ...interface{}) (*amqp.Error, effects) {
	err := &amqp.Error{
		Code:   code,
		Reason: fmt.Sprintf(format, args...),
		Server: true,
	}
	return err, ch.shutdown(err)
}

func (ch *Channel) lock() error {
	ch.broker.mu.Lock()
	if ch.closed {
		ch.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	return nil
}

func (ch *Channel) unlock(fx effects) {
	ch.broker.mu.Unlock()
	ch.broker.run(fx)
}

// ExchangeDeclare declares an exchange.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.lock(); err != nil {
		return err
	}
	b := ch.broker
	b.calls.ExchangeDeclare++

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			err, fx := ch.fail(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)
			ch.unlock(fx)
			return err
		}
		ch.unlock(nil)
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	ch.unlock(nil)
	return nil
}

// QueueDeclare declares a queue. An empty name gets a generated one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.lock(); err != nil {
		return amqp.Queue{}, err
	}
	b := ch.broker
	b.calls.QueueDeclare++

	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			err, fx := ch.fail(amqp.ResourceLocked,
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
			ch.unlock(fx)
			return amqp.Queue{}, err
		}
		if q.durable != durable || !equivalentArgs(q.args, args) {
			err, fx := ch.fail(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)
			ch.unlock(fx)
			return amqp.Queue{}, err
		}
		b.expire(q)
		state := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
		ch.unlock(nil)
		return state, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       args,
	}
	if exclusive {
		q.owner = ch.conn
	}
	if v, ok := args["x-message-ttl"]; ok {
		q.ttl, q.ttlSet = parseTTL(v)
	}
	if v, ok := args["x-dead-letter-exchange"].(string); ok {
		q.dlx, q.dlxSet = v, true
	}
	if v, ok := args["x-dead-letter-routing-key"].(string); ok {
		q.dlKey, q.dlKeySet = v, true
	}
	b.queues[name] = q

	ch.unlock(nil)
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive inspects an existing queue. A missing queue closes the
// channel with 404.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.lock(); err != nil {
		return amqp.Queue{}, err
	}
	b := ch.broker

	q, ok := b.queues[name]
	if !ok {
		err, fx := ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
		ch.unlock(fx)
		return amqp.Queue{}, err
	}
	if q.exclusive && q.owner != ch.conn {
		err, fx := ch.fail(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
		ch.unlock(fx)
		return amqp.Queue{}, err
	}

	b.expireAll()
	state := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
	ch.unlock(nil)
	return state, nil
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	if err := ch.lock(); err != nil {
		return err
	}
	b := ch.broker
	b.calls.QueueBind++

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		err, fx := ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)
		ch.unlock(fx)
		return err
	}
	q, ok := b.queues[name]
	if !ok {
		err, fx := ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
		ch.unlock(fx)
		return err
	}

	for _, bd := range ex.bindings {
		if bd.queue == q && bd.key == key {
			ch.unlock(nil)
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: q, key: key})
	ch.unlock(nil)
	return nil
}

// QueuePurge removes the ready messages of a queue.
func (ch *Channel) QueuePurge(name string, noWait bool) (int, error) {
	if err := ch.lock(); err != nil {
		return 0, err
	}
	b := ch.broker

	q, ok := b.queues[name]
	if !ok {
		err, fx := ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
		ch.unlock(fx)
		return 0, err
	}

	b.expireAll()
	n := len(q.ready)
	q.ready = nil
	ch.unlock(nil)
	return n, nil
}

// Qos sets the prefetch count for consumers started afterwards.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.lock(); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	ch.unlock(nil)
	return nil
}

// PublishWithContext routes a message. Publishing to a missing exchange closes
// the channel with 404.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.lock(); err != nil {
		return err
	}
	b := ch.broker
	b.calls.Publish++

	if _, ok := b.exchanges[exchangeName]; !ok {
		_, fx := ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)
		ch.unlock(fx)
		return nil
	}

	b.expireAll()
	b.route(exchangeName, key, msg)
	ch.unlock(nil)
	return nil
}

// Consume starts a consumer.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.lock(); err != nil {
		return nil, err
	}
	b := ch.broker

	q, ok := b.queues[queueName]
	if !ok {
		err, fx := ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
		ch.unlock(fx)
		return nil, err
	}
	if q.exclusive && q.owner != ch.conn {
		err, fx := ch.fail(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName)
		ch.unlock(fx)
		return nil, err
	}
	if tag == "" {
		b.seq++
		tag = fmt.Sprintf("ctag-%d", b.seq)
	}
	if _, dup := ch.consumers[tag]; dup {
		err, fx := ch.fail(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
		ch.unlock(fx)
		return nil, err
	}
	for _, other := range q.consumers {
		if exclusive || other.exclusive {
			err, fx := ch.fail(amqp.AccessRefused,
				"ACCESS_REFUSED - queue '%s' in vhost '/' in exclusive use", queueName)
			ch.unlock(fx)
			return nil, err
		}
	}

	c := newConsumer(tag, ch, q, autoAck, exclusive, ch.prefetch)
	q.consumers = append(q.consumers, c)
	ch.consumers[tag] = c
	go c.pump()

	b.dispatch(q)
	ch.unlock(nil)
	return c.out, nil
}

// Cancel stops a consumer. Deliveries already handed to it are still
// delivered and may be settled.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	if err := ch.lock(); err != nil {
		return err
	}

	if c, ok := ch.consumers[tag]; ok {
		delete(ch.consumers, tag)
		ch.broker.removeConsumer(c, false)
	}
	ch.unlock(nil)
	return nil
}

// NotifyFlow registers a listener for channel.flow.
func (ch *Channel) NotifyFlow(receiver chan bool) chan bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.flowListeners = append(ch.flowListeners, receiver)
	return receiver
}

// NotifyClose registers a listener for the channel closing.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closeListeners = append(ch.closeListeners, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed.
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel.
func (ch *Channel) Close() error {
	if err := ch.lock(); err != nil {
		return err
	}
	ch.unlock(ch.shutdown(nil))
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(*pending) {})
}

// Nack implements amqp.Acknowledger. Without requeue the message is
// dead-lettered when its queue has a dead-letter exchange.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	return ch.settle(tag, multiple, func(p *pending) {
		if requeue {
			p.msg.redelivered = true
			p.queue.ready = append([]*message{p.msg}, p.queue.ready...)
			return
		}
		b.deadLetter(p.queue, p.msg, "rejected")
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, fn func(*pending)) error {
	if err := ch.lock(); err != nil {
		return err
	}
	b := ch.broker

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	} else {
		err, fx := ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
		ch.unlock(fx)
		return err
	}

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.inflight--
		fn(p)
		touched[p.queue] = struct{}{}
	}
	for q := range touched {
		b.dispatch(q)
	}

	ch.unlock(nil)
	return nil
}

// deliver hands m to c. Called with the broker lock held.
func (ch *Channel) deliver(c *consumer, q *queue, m *message) {
	ch.nextTag++
	tag := ch.nextTag

	if !c.autoAck {
		ch.unacked[tag] = &pending{msg: m, queue: q, consumer: c}
		c.inflight++
	}
	c.push(m.delivery(ch, c.tag, tag))
}

// consumer buffers deliveries so the broker never blocks on a slow reader.
type consumer struct {
	tag       string
	ch        *Channel
	queue     *queue
	autoAck   bool
	exclusive bool
	prefetch  int
	inflight  int

	out      chan amqp.Delivery
	mu       sync.Mutex
	buf      []amqp.Delivery
	stopped  bool
	signal   chan struct{}
	killed   chan struct{}
	killOnce sync.Once
}

func newConsumer(tag string, ch *Channel, q *queue, autoAck, exclusive bool, prefetch int) *consumer {
	return &consumer{
		tag:       tag,
		ch:        ch,
		queue:     q,
		autoAck:   autoAck,
		exclusive: exclusive,
		prefetch:  prefetch,
		out:       make(chan amqp.Delivery),
		signal:    make(chan struct{}, 1),
		killed:    make(chan struct{}),
	}
}

func (c *consumer) push(d amqp.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()
	c.wake()
}

func (c *consumer) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// finish closes out once buffered deliveries are read.
func (c *consumer) finish() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wake()
}

// kill closes out and drops buffered deliveries.
func (c *consumer) kill() {
	c.killOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.buf = nil
		c.mu.Unlock()
		close(c.killed)
	})
}

func (c *consumer) pump() {
	defer close(c.out)

	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			d := c.buf[0]
			c.buf = c.buf[1:]
			c.mu.Unlock()

			select {
			case c.out <- d:
			case <-c.killed:
				return
			}
			continue
		}
		stopped := c.stopped
		c.mu.Unlock()

		if stopped {
			return
		}
		select {
		case <-c.signal:
		case <-c.killed:
			return
		}
	}
}
