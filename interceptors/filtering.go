package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/relay/internal/rabbitmq"
)

// ErrFiltered is returned for messages rejected by a FilteringInterceptor
// configured with SkipWithError.
var ErrFiltered = errors.New("message filtered")

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *rabbitmq.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *rabbitmq.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *rabbitmq.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the message without running the handler
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the message, which dead-letters it
	SkipWithError
	// SkipWithLog acknowledges the message and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return nil, fmt.Errorf("%w: id=%s queue=%s", ErrFiltered, msg.MessageID, msg.Queue)
		case SkipWithLog:
			i.logger.Info("message skipped by filter", "messageId", msg.MessageID, "queue", msg.Queue)
			return nil, nil
		default: // SkipSilently
			return nil, nil
		}
	}

	return next(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *rabbitmq.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *rabbitmq.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// ContentTypeFilter admits messages with one of the given content types
type ContentTypeFilter struct {
	allowed map[string]bool
}

// NewContentTypeFilter creates a filter that only allows specific content types
func NewContentTypeFilter(contentTypes ...string) *ContentTypeFilter {
	allowed := make(map[string]bool)
	for _, t := range contentTypes {
		allowed[t] = true
	}
	return &ContentTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *ContentTypeFilter) ShouldProcess(ctx context.Context, msg *rabbitmq.Message) (bool, error) {
	return f.allowed[msg.ContentType], nil
}

// HeaderFilter admits messages whose string header equals a value
type HeaderFilter struct {
	key   string
	value string
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(key, value string) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, msg *rabbitmq.Message) (bool, error) {
	return msg.Header(f.key) == f.value, nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, msg *rabbitmq.Message, next rabbitmq.Handler) ([]byte, error) {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return nil, err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, msg, next)
	}

	return next(ctx, msg)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
