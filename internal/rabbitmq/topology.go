package rabbitmq

import (
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DeadLetterSuffix is appended to queue, exchange and routing key names
	// to form their dead-letter counterparts.
	DeadLetterSuffix = "-dlx"

	// DefaultExchangeTTL applies to queues bound to a routed exchange that has
	// no TTL configured.
	DefaultExchangeTTL = 15 * time.Minute

	exchangeKindTopic = "topic"
)

// Target identifies where a message goes: a plain queue or an exchange and
// routing key pair. Targets are values and never change after construction.
type Target struct {
	queue      string
	exchange   string
	routingKey string
}

// Queue returns a target for the named queue, published through the default
// exchange.
func Queue(name string) Target {
	return Target{queue: name}
}

// Route returns a target for a topic exchange and routing key. The pair must
// appear in the Topology's RouteTable; this is checked where the target is used.
func Route(exchange, routingKey string) Target {
	return Target{exchange: exchange, routingKey: routingKey}
}

// IsRoute reports whether the target is an exchange/routing key pair.
func (t Target) IsRoute() bool {
	return t.exchange != ""
}

// Exchange returns the exchange name, empty for queue targets.
func (t Target) Exchange() string {
	return t.exchange
}

// RoutingKey returns the routing key, empty for queue targets.
func (t Target) RoutingKey() string {
	return t.routingKey
}

// QueueName returns the work queue backing the target.
func (t Target) QueueName() string {
	if t.IsRoute() {
		return t.exchange + "." + t.routingKey
	}
	return t.queue
}

// DeadLetterExchange returns the name of the paired dead-letter exchange.
func (t Target) DeadLetterExchange() string {
	if t.IsRoute() {
		return t.exchange + DeadLetterSuffix
	}
	return t.queue + DeadLetterSuffix
}

// DeadLetterRoutingKey returns the key dead-lettered messages are routed with.
func (t Target) DeadLetterRoutingKey() string {
	if t.IsRoute() {
		return t.routingKey + DeadLetterSuffix
	}
	return t.queue + DeadLetterSuffix
}

// DeadLetterQueue returns the name of the paired dead-letter queue.
func (t Target) DeadLetterQueue() string {
	return t.QueueName() + DeadLetterSuffix
}

// DeadLetter returns a queue target addressing the paired dead-letter queue,
// for ReadStats and Purge.
func (t Target) DeadLetter() Target {
	return Queue(t.DeadLetterQueue())
}

// String implements fmt.Stringer
func (t Target) String() string {
	if t.IsRoute() {
		return t.exchange + ":" + t.routingKey
	}
	return t.queue
}

// address returns the exchange and routing key a publish to t uses.
func (t Target) address() (string, string) {
	if t.IsRoute() {
		return t.exchange, t.routingKey
	}
	return "", t.queue
}

func (t Target) validate() error {
	switch {
	case t.IsRoute() && t.routingKey == "":
		return fmt.Errorf("%w: exchange %q has an empty routing key", ErrInvalidTarget, t.exchange)
	case !t.IsRoute() && t.queue == "":
		return fmt.Errorf("%w: empty queue name", ErrInvalidTarget)
	}
	return nil
}

// RouteTable maps each exchange to the routing keys it may carry.
type RouteTable map[string][]string

// Allows reports whether exchange and routingKey are declared in the table.
func (r RouteTable) Allows(exchange, routingKey string) bool {
	for _, key := range r[exchange] {
		if key == routingKey {
			return true
		}
	}
	return false
}

// Targets returns every route in the table, sorted for stable declaration
// order.
func (r RouteTable) Targets() []Target {
	exchanges := make([]string, 0, len(r))
	for exchange := range r {
		exchanges = append(exchanges, exchange)
	}
	sort.Strings(exchanges)

	var targets []Target
	for _, exchange := range exchanges {
		for _, key := range r[exchange] {
			targets = append(targets, Route(exchange, key))
		}
	}
	return targets
}

// QueueOptions controls how a target's queue is declared.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// Ephemeral queues (reply queues) are declared without a dead-letter pair.
	Ephemeral bool
	// MessageTTL overrides the TTL resolved from the topology when non-zero.
	MessageTTL time.Duration
	Arguments  amqp.Table
}

// DefaultQueueOptions returns the options used for work queues.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{Durable: true}
}

// Binding records what was declared for a target.
type Binding struct {
	Target             Target
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// Topology holds the static routing table and the TTL each routed exchange
// imposes on its queues. It is resolved once at startup and shared read-only.
type Topology struct {
	routes     RouteTable
	ttl        map[string]time.Duration
	defaultTTL time.Duration
}

// TopologyOption configures a Topology
type TopologyOption func(*Topology)

// WithRoutes sets the routing table.
func WithRoutes(routes RouteTable) TopologyOption {
	return func(t *Topology) {
		t.routes = routes
	}
}

// WithExchangeTTL sets the message TTL of the queues bound to exchange.
func WithExchangeTTL(exchange string, ttl time.Duration) TopologyOption {
	return func(t *Topology) {
		t.ttl[exchange] = ttl
	}
}

// WithDefaultTTL sets the TTL for routed exchanges without their own.
func WithDefaultTTL(ttl time.Duration) TopologyOption {
	return func(t *Topology) {
		t.defaultTTL = ttl
	}
}

// NewTopology creates a topology
func NewTopology(options ...TopologyOption) *Topology {
	t := &Topology{
		routes:     RouteTable{},
		ttl:        make(map[string]time.Duration),
		defaultTTL: DefaultExchangeTTL,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Routes returns the routing table.
func (t *Topology) Routes() RouteTable {
	return t.routes
}

// Validate checks that target is well formed and, for routed targets, that
// the routing table declares it.
func (t *Topology) Validate(target Target) error {
	if err := target.validate(); err != nil {
		return err
	}
	if target.IsRoute() && !t.routes.Allows(target.exchange, target.routingKey) {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, target)
	}
	return nil
}

// MessageTTL resolves the TTL applied to the target's queue.
func (t *Topology) MessageTTL(target Target, opts QueueOptions) time.Duration {
	if opts.MessageTTL > 0 {
		return opts.MessageTTL
	}
	if !target.IsRoute() {
		return 0
	}
	if ttl, ok := t.ttl[target.exchange]; ok {
		return ttl
	}
	return t.defaultTTL
}

// declare asserts the queue for target on ch. Unless the queue is ephemeral,
// its dead-letter exchange and queue are declared and bound first so the work
// queue never references a missing exchange.
func (t *Topology) declare(ch Channel, target Target, opts QueueOptions) (Binding, error) {
	if err := t.Validate(target); err != nil {
		return Binding{}, topologyError("validate", "target", target.String(), err)
	}

	binding := Binding{
		Target: target,
		Queue:  target.QueueName(),
	}

	args := amqp.Table{}
	for k, v := range opts.Arguments {
		args[k] = v
	}

	if !opts.Ephemeral {
		dlx := target.DeadLetterExchange()
		dlq := target.DeadLetterQueue()
		dlKey := target.DeadLetterRoutingKey()

		if err := ch.ExchangeDeclare(dlx, exchangeKindTopic, opts.Durable, false, false, false, nil); err != nil {
			return Binding{}, topologyError("declare", "exchange", dlx, err)
		}
		if _, err := ch.QueueDeclare(dlq, opts.Durable, false, false, false, nil); err != nil {
			return Binding{}, topologyError("declare", "queue", dlq, err)
		}
		if err := ch.QueueBind(dlq, dlKey, dlx, false, nil); err != nil {
			return Binding{}, topologyError("bind", "queue", dlq, err)
		}

		args["x-dead-letter-exchange"] = dlx
		args["x-dead-letter-routing-key"] = dlKey
		binding.DeadLetterExchange = dlx
		binding.DeadLetterQueue = dlq
	}

	if ttl := t.MessageTTL(target, opts); ttl > 0 {
		args["x-message-ttl"] = ttl.Milliseconds()
	}

	if target.IsRoute() {
		if err := ch.ExchangeDeclare(target.exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
			return Binding{}, topologyError("declare", "exchange", target.exchange, err)
		}
	}

	if _, err := ch.QueueDeclare(binding.Queue, opts.Durable, opts.AutoDelete, opts.Exclusive, false, args); err != nil {
		return Binding{}, topologyError("declare", "queue", binding.Queue, err)
	}

	if target.IsRoute() {
		if err := ch.QueueBind(binding.Queue, target.routingKey, target.exchange, false, nil); err != nil {
			return Binding{}, topologyError("bind", "queue", binding.Queue, err)
		}
	}

	return binding, nil
}

func topologyError(op, component, name string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
