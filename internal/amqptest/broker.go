package amqptest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relay/internal/rabbitmq"
)

// Calls counts client calls that reached the broker.
type Calls struct {
	ExchangeDeclare int
	QueueDeclare    int
	QueueBind       int
	Publish         int
}

// Broker is an in-memory AMQP 0-9-1 broker covering what the rabbitmq package
// uses: direct and topic exchanges, the default exchange, per-queue and
// per-message TTL, dead-lettering on reject and expiry, prefetch, exclusive
// and auto-delete queues, and flow control.
//
// Messages expire on a timer and on every broker operation.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	dialErr   error
	dials     int
	calls     Calls
	seq       int

	// notifyMu orders listener notifications so a listener is never sent to
	// after it was closed. It is never acquired while mu is held.
	notifyMu sync.Mutex
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue *queue
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Conn
	args       amqp.Table
	deleted    bool

	ttl      time.Duration
	ttlSet   bool
	dlx      string
	dlxSet   bool
	dlKey    string
	dlKeySet bool

	ready     []*message
	consumers []*consumer
	rr        int
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	expires     time.Time
	redelivered bool
}

// NewBroker creates an empty broker with only the default exchange.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{
			"": {name: "", kind: amqp.ExchangeDirect, durable: true},
		},
		queues: make(map[string]*queue),
		conns:  make(map[*Conn]struct{}),
	}
}

// Dial is a rabbitmq.Dialer connecting to the broker.
func (b *Broker) Dial(ctx context.Context, _ string, _ amqp.Config) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	c := &Conn{
		broker:   b,
		channels: make(map[*Channel]struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes every following dial fail with err. A nil err restores
// normal dialing.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Calls returns the call counters.
func (b *Broker) Calls() Calls {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// SetFlow tells every open channel to stop (false) or resume (true)
// publishing, like channel.flow from the server.
func (b *Broker) SetFlow(active bool) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	var listeners []chan bool
	for c := range b.conns {
		for ch := range c.channels {
			listeners = append(listeners, ch.flowListeners...)
		}
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l <- active
	}
}

// Block sends connection.blocked to every connection.
func (b *Broker) Block(reason string) {
	b.sendBlocking(amqp.Blocking{Active: true, Reason: reason})
}

// Unblock sends connection.unblocked to every connection.
func (b *Broker) Unblock() {
	b.sendBlocking(amqp.Blocking{Active: false})
}

func (b *Broker) sendBlocking(blocking amqp.Blocking) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	var listeners []chan amqp.Blocking
	for c := range b.conns {
		listeners = append(listeners, c.blockListeners...)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l <- blocking
	}
}

// CloseConnections force-closes every connection as a broker shutdown would.
func (b *Broker) CloseConnections(reason string) {
	b.mu.Lock()
	var fx effects
	for c := range b.conns {
		fx = append(fx, c.shutdown(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - " + reason,
			Server:  true,
			Recover: true,
		})...)
	}
	b.mu.Unlock()
	b.run(fx)
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Queues returns the names of all queues, sorted.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// HasExchange reports whether the exchange exists.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Arguments returns the arguments the queue was declared with.
func (b *Broker) Arguments(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// IsBound reports whether queue is bound to exchange with key.
func (b *Broker) IsBound(exchangeName, queueName, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return false
	}
	for _, bd := range ex.bindings {
		if bd.queue.name == queueName && bd.key == key {
			return true
		}
	}
	return false
}

// Messages returns the number of ready messages in the queue.
func (b *Broker) Messages(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireAll()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered, unsettled messages of the queue.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			for _, p := range ch.unacked {
				if p.queue.name == name {
					n++
				}
			}
		}
	}
	return n
}

// Consumers returns the number of consumers on the queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Get removes the first ready message from the queue, like basic.get with
// auto-ack.
func (b *Broker) Get(name string) (amqp.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireAll()
	q, ok := b.queues[name]
	if !ok || len(q.ready) == 0 {
		return amqp.Delivery{}, false
	}

	m := q.ready[0]
	q.ready = q.ready[1:]
	return m.delivery(nil, "", 0), true
}

type effects []func()

// run executes notifications collected under b.mu, after it was released.
func (b *Broker) run(fx effects) {
	if len(fx) == 0 {
		return
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	for _, f := range fx {
		f()
	}
}

// The methods below are called with b.mu held.

func (b *Broker) route(exchangeName, key string, pub amqp.Publishing) {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return
	}

	var targets []*queue
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		seen := make(map[*queue]bool)
		for _, bd := range ex.bindings {
			if seen[bd.queue] || !matches(ex.kind, bd.key, key) {
				continue
			}
			seen[bd.queue] = true
			targets = append(targets, bd.queue)
		}
	}

	for _, q := range targets {
		b.enqueue(q, exchangeName, key, pub)
	}
}

func (b *Broker) enqueue(q *queue, exchangeName, key string, pub amqp.Publishing) {
	m := &message{
		pub:        copyPublishing(pub),
		exchange:   exchangeName,
		routingKey: key,
	}

	ttl, hasTTL := q.ttl, q.ttlSet
	if pub.Expiration != "" {
		if ms, err := strconv.ParseInt(pub.Expiration, 10, 64); err == nil {
			d := time.Duration(ms) * time.Millisecond
			if !hasTTL || d < ttl {
				ttl, hasTTL = d, true
			}
		}
	}
	if hasTTL {
		m.expires = time.Now().Add(ttl)
		time.AfterFunc(ttl+time.Millisecond, b.sweep)
	}

	q.ready = append(q.ready, m)
	b.dispatch(q)
}

func (b *Broker) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireAll()
}

func (b *Broker) expireAll() {
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if q, ok := b.queues[name]; ok {
			b.expire(q)
		}
	}
}

func (b *Broker) expire(q *queue) {
	now := time.Now()
	var kept, expired []*message
	for _, m := range q.ready {
		if !m.expires.IsZero() && !now.Before(m.expires) {
			expired = append(expired, m)
			continue
		}
		kept = append(kept, m)
	}
	if len(expired) == 0 {
		return
	}

	q.ready = kept
	for _, m := range expired {
		b.deadLetter(q, m, "expired")
	}
}

func (b *Broker) deadLetter(q *queue, m *message, reason string) {
	if !q.dlxSet {
		return
	}

	key := m.routingKey
	if q.dlKeySet {
		key = q.dlKey
	}

	pub := copyPublishing(m.pub)
	pub.Expiration = ""
	if _, ok := pub.Headers["x-first-death-queue"]; !ok {
		pub.Headers["x-first-death-queue"] = q.name
		pub.Headers["x-first-death-reason"] = reason
		pub.Headers["x-first-death-exchange"] = m.exchange
	}

	b.route(q.dlx, key, pub)
}

func (b *Broker) dispatch(q *queue) {
	if q.deleted {
		return
	}
	b.expire(q)

	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]
		c.ch.deliver(c, q, m)
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.rr+i)%n]
		if c.autoAck || c.prefetch == 0 || c.inflight < c.prefetch {
			q.rr = (q.rr + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) removeConsumer(c *consumer, kill bool) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if kill {
		c.kill()
	} else {
		c.finish()
	}

	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueue(q)
	}
}

func (b *Broker) deleteQueue(q *queue) {
	if q.deleted {
		return
	}
	q.deleted = true
	q.ready = nil
	delete(b.queues, q.name)

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}

	for _, c := range q.consumers {
		delete(c.ch.consumers, c.tag)
		c.kill()
	}
	q.consumers = nil
}

func (m *message) delivery(ch *Channel, tag string, deliveryTag uint64) amqp.Delivery {
	d := amqp.Delivery{
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     tag,
		DeliveryTag:     deliveryTag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            m.pub.Body,
	}
	if ch != nil {
		d.Acknowledger = ch
	}
	return d
}

func copyPublishing(pub amqp.Publishing) amqp.Publishing {
	headers := make(amqp.Table, len(pub.Headers))
	for k, v := range pub.Headers {
		headers[k] = v
	}
	pub.Headers = headers
	pub.Body = append([]byte(nil), pub.Body...)
	return pub
}

// matches reports whether a routing key matches a binding key.
func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeTopic:
		return matchTopic(strings.Split(pattern, "."), strings.Split(key, "."))
	case amqp.ExchangeFanout:
		return true
	default:
		return pattern == key
	}
}

func matchTopic(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchTopic(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchTopic(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchTopic(pattern[1:], words[1:])
	}
}

func parseTTL(v interface{}) (time.Duration, bool) {
	var ms int64
	switch n := v.(type) {
	case int64:
		ms = n
	case int32:
		ms = int64(n)
	case int:
		ms = int64(n)
	case float64:
		ms = int64(n)
	default:
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func equivalentArgs(a, b amqp.Table) bool {
	for _, key := range []string{"x-message-ttl", "x-dead-letter-exchange", "x-dead-letter-routing-key"} {
		if fmt.Sprint(a[key]) != fmt.Sprint(b[key]) {
			return false
		}
	}
	return true
}
