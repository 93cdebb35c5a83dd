package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/relay/internal/rabbitmq"
)

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors.
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Then wraps handler so every message passes through the chain first. The
// first interceptor added is the outermost.
func (c *InterceptorChain) Then(handler rabbitmq.Handler) rabbitmq.Handler {
	wrapped := handler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := wrapped
		wrapped = func(ctx context.Context, msg *rabbitmq.Message) ([]byte, error) {
			return interceptor.Intercept(ctx, msg, next)
		}
	}
	return wrapped
}

// Execute runs msg through the chain and handler.
func (c *InterceptorChain) Execute(ctx context.Context, msg *rabbitmq.Message, handler rabbitmq.Handler) ([]byte, error) {
	if len(c.interceptors) == 0 {
		return handler(ctx, msg)
	}
	return c.Then(handler)(ctx, msg)
}

// Chain wraps handler with interceptors, outermost first.
func Chain(handler rabbitmq.Handler, interceptors ...Interceptor) rabbitmq.Handler {
	chain := NewInterceptorChain(nil)
	for _, i := range interceptors {
		chain.Add(i)
	}
	return chain.Then(handler)
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", msg.MessageID,
		"queue", msg.Queue,
		"correlationId", msg.CorrelationID,
	)

	result, err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.MessageID,
			"queue", msg.Queue,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed successfully",
			"messageId", msg.MessageID,
			"queue", msg.Queue,
			"duration", duration,
		)
	}

	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TracingInterceptor wraps the handler in a span. The consumer already starts
// a relay.process span from the message headers, so this span is its child.
type TracingInterceptor struct {
	tracer trace.Tracer
	name   string
}

// NewTracingInterceptor creates a new tracing interceptor
func NewTracingInterceptor(tracer trace.Tracer, spanName string) *TracingInterceptor {
	if spanName == "" {
		spanName = "message.handle"
	}
	return &TracingInterceptor{tracer: tracer, name: spanName}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	ctx, span := i.tracer.Start(ctx, i.name,
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.MessageID),
			attribute.String("messaging.message.conversation_id", msg.CorrelationID),
			attribute.String("messaging.destination.name", msg.Queue),
		))
	defer span.End()

	result, err := next(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}

// ValidationInterceptor validates messages before processing
type ValidationInterceptor struct {
	validator MessageValidator
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, msg *rabbitmq.Message) error
}

// ValidatorFunc is a function adapter for MessageValidator
type ValidatorFunc func(ctx context.Context, msg *rabbitmq.Message) error

// Validate implements MessageValidator
func (f ValidatorFunc) Validate(ctx context.Context, msg *rabbitmq.Message) error {
	return f(ctx, msg)
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}

	return next(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor adds timeout handling
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. A handler that ignores its context keeps
// running after the timeout; its result is discarded.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := next(timeoutCtx, msg)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("message processing timeout after %v for message %s: %w",
			i.timeout, msg.MessageID, timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns handler panics into ErrHandlerPanic errors.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				"messageId", msg.MessageID,
				"queue", msg.Queue,
				"panic", r)
			result, err = nil, fmt.Errorf("%w: %v", rabbitmq.ErrHandlerPanic, r)
		}
	}()
	return next(ctx, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// Default interceptor chain builder

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithRecovery adds recovery interceptor
func (b *DefaultInterceptorChainBuilder) WithRecovery() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithTracing adds tracing interceptor
func (b *DefaultInterceptorChainBuilder) WithTracing(tracer trace.Tracer) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTracingInterceptor(tracer, ""))
	return b
}

// WithValidation adds validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator MessageValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithRetry adds retry interceptor
func (b *DefaultInterceptorChainBuilder) WithRetry(policy RetryPolicy) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy).WithLogger(b.logger))
	return b
}

// WithFilter adds filtering interceptor
func (b *DefaultInterceptorChainBuilder) WithFilter(filter MessageFilter, behavior SkipBehavior) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewFilteringInterceptor(filter, behavior).WithLogger(b.logger))
	return b
}

// WithCircuitBreaker adds a circuit breaker interceptor
func (b *DefaultInterceptorChainBuilder) WithCircuitBreaker(options ...CircuitBreakerOption) *DefaultInterceptorChainBuilder {
	options = append([]CircuitBreakerOption{WithBreakerLogger(b.logger)}, options...)
	b.chain.Add(NewCircuitBreakerInterceptor(options...))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
