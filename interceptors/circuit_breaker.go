package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/relay/internal/rabbitmq"
)

// ErrCircuitOpen is returned for messages rejected while the breaker is open.
// Rejected messages are dead-lettered like any other handler failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerInterceptor stops calling the handler after consecutive
// failures. After the open timeout a limited number of trial messages pass;
// enough successes close the breaker, any failure opens it again.
type CircuitBreakerInterceptor struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenLimit    int
	now              func() time.Time
	logger           *slog.Logger
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreakerInterceptor)

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreakerInterceptor) {
		cb.failureThreshold = n
	}
}

// WithSuccessThreshold sets how many half-open successes close the breaker.
func WithSuccessThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreakerInterceptor) {
		cb.successThreshold = n
	}
}

// WithOpenTimeout sets how long the breaker stays open.
func WithOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreakerInterceptor) {
		cb.openTimeout = d
	}
}

// WithHalfOpenLimit sets how many trial messages may run at once while
// half-open.
func WithHalfOpenLimit(n int) CircuitBreakerOption {
	return func(cb *CircuitBreakerInterceptor) {
		cb.halfOpenLimit = n
	}
}

// WithBreakerLogger sets the logger for state changes.
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreakerInterceptor) {
		cb.logger = logger
	}
}

// NewCircuitBreakerInterceptor creates a closed circuit breaker
func NewCircuitBreakerInterceptor(options ...CircuitBreakerOption) *CircuitBreakerInterceptor {
	cb := &CircuitBreakerInterceptor{
		state:            BreakerClosed,
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		halfOpenLimit:    1,
		now:              time.Now,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Intercept implements Interceptor
func (cb *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	if err := cb.admit(); err != nil {
		return nil, fmt.Errorf("%w: message %s", err, msg.MessageID)
	}

	result, err := next(ctx, msg)
	cb.record(err)
	return result, err
}

// Name implements Interceptor
func (cb *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// State returns the current state
func (cb *CircuitBreakerInterceptor) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreakerInterceptor) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(BreakerClosed, "reset")
}

func (cb *CircuitBreakerInterceptor) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Before(cb.lastFailure.Add(cb.openTimeout)) {
			return ErrCircuitOpen
		}
		cb.transition(BreakerHalfOpen, "open timeout expired")
		fallthrough
	case BreakerHalfOpen:
		if cb.inFlight >= cb.halfOpenLimit {
			return ErrCircuitOpen
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreakerInterceptor) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.lastFailure = cb.now()
		switch cb.state {
		case BreakerClosed:
			cb.failures++
			if cb.failures >= cb.failureThreshold {
				cb.transition(BreakerOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case BreakerHalfOpen:
			cb.transition(BreakerOpen, "failure while half-open")
		}
		return
	}

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(BreakerClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreakerInterceptor) transition(to BreakerState, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.inFlight = 0
	if to == BreakerClosed {
		cb.failures = 0
	}
	if from != to {
		cb.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String(), "reason", reason)
	}
}
