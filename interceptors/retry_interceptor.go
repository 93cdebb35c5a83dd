package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glimte/relay/internal/rabbitmq"
)

// RetryPolicy configures in-handler retries. The message is only settled once
// the attempts are exhausted, so it is dead-lettered after the last failure.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Zero or less uses the default of 3.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error except handler panics.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryPolicy().MaxAttempts
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// RetryInterceptor implements retry logic for message processing
type RetryInterceptor struct {
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(policy RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		policy: policy,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		result, err := next(ctx, msg)
		if err != nil && !r.retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("retrying message",
			"messageId", msg.MessageID,
			"queue", msg.Queue,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	return backoff.RetryNotifyWithData(operation, r.policy.backOff(ctx), notify)
}

func (r *RetryInterceptor) retryable(err error) bool {
	if r.policy.Retryable != nil {
		return r.policy.Retryable(err)
	}
	return !errors.Is(err, rabbitmq.ErrHandlerPanic)
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
