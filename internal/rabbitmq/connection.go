package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultHeartbeat = 10 * time.Second

// ConnectionManager owns the broker connections of a process, keyed by id.
// At most one live connection exists per id. The manager never reconnects on
// its own: a connection the broker closed is replaced by the next Connect.
type ConnectionManager struct {
	url    string
	dial   Dialer
	config amqp.Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*connEntry
	closed  bool
}

// connEntry serializes Connect and Close for one id.
type connEntry struct {
	mu      sync.Mutex
	current *liveConn
	removed bool
}

type liveConn struct {
	conn    Connection
	healthy atomic.Bool
	blocked *gate
}

func (l *liveConn) usable() bool {
	return l != nil && l.healthy.Load() && !l.conn.IsClosed()
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the network dialer, mostly for tests.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithAMQPConfig sets the client configuration used for every dial.
func WithAMQPConfig(config amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config = config
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker.
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.Heartbeat = interval
	}
}

// WithConnectionName sets the name the broker shows for connections.
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		if cm.config.Properties == nil {
			cm.config.Properties = amqp.NewConnectionProperties()
		}
		cm.config.Properties.SetClientConnectionName(name)
	}
}

// WithCredentials authenticates with PLAIN, overriding credentials in the URL.
func WithCredentials(username, password string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.SASL = []amqp.Authentication{
			&amqp.PlainAuth{Username: username, Password: password},
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:  url,
		dial: DialAMQP,
		config: amqp.Config{
			Heartbeat: defaultHeartbeat,
			Locale:    "en_US",
		},
		logger:  slog.Default(),
		entries: make(map[string]*connEntry),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect returns the live connection registered under id, dialing a new one
// when there is none. An empty id registers the connection under a random id;
// IDOf recovers it for Close, otherwise the connection lives until CloseAll.
// Concurrent first calls for the same id dial once. Dial failures are returned
// wrapped in a ConnectionError and are not retried.
func (cm *ConnectionManager) Connect(ctx context.Context, id string) (Connection, error) {
	live, err := cm.connect(ctx, id)
	if err != nil {
		return nil, err
	}
	return live.conn, nil
}

func (cm *ConnectionManager) connect(ctx context.Context, id string) (*liveConn, error) {
	if id == "" {
		id = uuid.NewString()
	}

	for {
		entry, err := cm.entry(id)
		if err != nil {
			return nil, err
		}

		live, retry, err := cm.connectEntry(ctx, id, entry)
		if retry {
			continue
		}
		return live, err
	}
}

func (cm *ConnectionManager) entry(id string) (*connEntry, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrManagerClosed
	}

	entry, ok := cm.entries[id]
	if !ok {
		entry = &connEntry{}
		cm.entries[id] = entry
	}
	return entry, nil
}

// connectEntry reports retry when the entry was removed while the caller
// waited for it, so a fresh entry must be looked up.
func (cm *ConnectionManager) connectEntry(ctx context.Context, id string, entry *connEntry) (*liveConn, bool, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return nil, true, nil
	}

	if entry.current.usable() {
		cm.logger.Debug("reusing connection", "id", id)
		return entry.current, false, nil
	}

	if entry.current != nil {
		cm.logger.Info("replacing closed connection", "id", id)
		if err := entry.current.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			cm.logger.Debug("closing stale connection failed", "id", id, "error", err)
		}
		entry.current = nil
	}

	if err := ctx.Err(); err != nil {
		cm.discard(id, entry)
		return nil, false, cm.connectionError("connect", id, err)
	}

	conn, err := cm.dial(ctx, cm.url, cm.config)
	if err != nil {
		cm.discard(id, entry)
		if ctx.Err() != nil {
			err = errors.Join(ErrConnectionTimeout, err)
		}
		return nil, false, cm.connectionError("connect", id, err)
	}

	cm.mu.Lock()
	closed := cm.closed
	cm.mu.Unlock()
	if closed {
		entry.removed = true
		conn.Close()
		return nil, false, ErrManagerClosed
	}

	live := &liveConn{conn: conn, blocked: newGate()}
	live.healthy.Store(true)
	entry.current = live
	cm.observe(id, live)

	cm.logger.Info("connected to RabbitMQ",
		"id", id,
		"url", SanitizeURL(cm.url))

	return live, false, nil
}

// discard drops an entry that never produced a connection. Called with
// entry.mu held.
func (cm *ConnectionManager) discard(id string, entry *connEntry) {
	entry.removed = true

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.entries[id] == entry {
		delete(cm.entries, id)
	}
}

// observe logs asynchronous connection failures and tracks whether the broker
// blocked publishing on the connection. A close marks the connection
// unhealthy; it is never surfaced to callers.
func (cm *ConnectionManager) observe(id string, live *liveConn) {
	closes := live.conn.NotifyClose(make(chan *amqp.Error, 1))
	blocks := live.conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go func() {
		for {
			select {
			case err, ok := <-closes:
				live.healthy.Store(false)
				if !ok {
					live.blocked.set(false)
					return
				}
				if err != nil {
					cm.logger.Error("connection closed",
						"id", id,
						"code", err.Code,
						"reason", err.Reason,
						"server", err.Server)
				}

			case b, ok := <-blocks:
				if !ok {
					blocks = nil
					continue
				}
				live.blocked.set(b.Active)
				if b.Active {
					cm.logger.Warn("connection blocked by broker", "id", id, "reason", b.Reason)
				} else {
					cm.logger.Info("connection unblocked by broker", "id", id)
				}
			}
		}
	}()
}

// Close closes and forgets the connection registered under id. Unknown ids
// are ignored.
func (cm *ConnectionManager) Close(id string) error {
	cm.mu.Lock()
	entry, ok := cm.entries[id]
	delete(cm.entries, id)
	cm.mu.Unlock()

	if !ok {
		return nil
	}
	return cm.closeEntry(id, entry)
}

// CloseAll closes every connection. The manager refuses further Connect
// calls with ErrManagerClosed.
func (cm *ConnectionManager) CloseAll() error {
	cm.mu.Lock()
	cm.closed = true
	entries := cm.entries
	cm.entries = make(map[string]*connEntry)
	cm.mu.Unlock()

	var errs []error
	for id, entry := range entries {
		if err := cm.closeEntry(id, entry); err != nil {
			errs = append(errs, err)
		}
	}

	cm.logger.Info("connection manager closed", "connections", len(entries))
	return errors.Join(errs...)
}

func (cm *ConnectionManager) closeEntry(id string, entry *connEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.removed = true
	if entry.current == nil {
		return nil
	}

	live := entry.current
	entry.current = nil
	live.healthy.Store(false)

	if err := live.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return cm.connectionError("close", id, err)
	}

	cm.logger.Info("connection closed", "id", id)
	return nil
}

// Healthy reports whether id has an open connection the broker has not
// closed.
func (cm *ConnectionManager) Healthy(id string) bool {
	cm.mu.Lock()
	entry, ok := cm.entries[id]
	cm.mu.Unlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.current.usable()
}

// IDOf returns the id conn is registered under.
func (cm *ConnectionManager) IDOf(conn Connection) (string, bool) {
	cm.mu.Lock()
	entries := make(map[string]*connEntry, len(cm.entries))
	for id, entry := range cm.entries {
		entries[id] = entry
	}
	cm.mu.Unlock()

	for id, entry := range entries {
		entry.mu.Lock()
		match := entry.current != nil && entry.current.conn == conn
		entry.mu.Unlock()
		if match {
			return id, true
		}
	}
	return "", false
}

// IDs returns the registered connection ids in sorted order.
func (cm *ConnectionManager) IDs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ids := make([]string, 0, len(cm.entries))
	for id := range cm.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// URL returns the broker URL with the password removed.
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

func (cm *ConnectionManager) connectionError(op, id string, err error) error {
	return &ConnectionError{
		Op:        op,
		ID:        id,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}
