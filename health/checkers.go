package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/relay/internal/rabbitmq"
)

// DefaultQueueThreshold is the queue depth above which a queue is degraded.
const DefaultQueueThreshold = 10000

// ConnectionSource exposes the connection state a ConnectionChecker reads.
// *rabbitmq.ConnectionManager implements it.
type ConnectionSource interface {
	IDs() []string
	Healthy(id string) bool
}

// ConnectionChecker reports whether managed connections are open
type ConnectionChecker struct {
	source ConnectionSource
	ids    []string
}

// NewConnectionChecker checks the given connection ids, or every registered
// connection when none are given.
func NewConnectionChecker(source ConnectionSource, ids ...string) *ConnectionChecker {
	return &ConnectionChecker{source: source, ids: ids}
}

func (c *ConnectionChecker) Name() string {
	return "connections"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ids := c.ids
	if len(ids) == 0 {
		ids = c.source.IDs()
	}

	var down []string
	for _, id := range ids {
		healthy := c.source.Healthy(id)
		result.Details[id] = healthy
		if !healthy {
			down = append(down, id)
		}
	}

	switch {
	case len(ids) == 0:
		result.Status = StatusUnhealthy
		result.Message = "No connections"
	case len(down) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d of %d connections down", len(down), len(ids))
		result.Error = fmt.Errorf("%w: %v", rabbitmq.ErrNotConnected, down).Error()
	default:
		result.Status = StatusHealthy
		result.Message = "Connections are healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueInspector reads queue statistics. *rabbitmq.Executor implements it.
type QueueInspector interface {
	InspectQueue(ctx context.Context, target rabbitmq.Target) (rabbitmq.QueueStats, error)
}

// QueueChecker reports the depth of a queue and its dead-letter queue
type QueueChecker struct {
	target    rabbitmq.Target
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker. A threshold of zero uses
// DefaultQueueThreshold.
func NewQueueChecker(target rabbitmq.Target, inspector QueueInspector, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultQueueThreshold
	}
	return &QueueChecker{target: target, inspector: inspector, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.target.QueueName())
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats, err := c.inspector.InspectQueue(ctx, c.target)
	result.Details["queue_name"] = stats.Queue
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", stats.Queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	result.Details["message_count"] = stats.MessageCount
	result.Details["consumer_count"] = stats.ConsumerCount

	if !strings.HasSuffix(stats.Queue, rabbitmq.DeadLetterSuffix) {
		dead, err := c.inspector.InspectQueue(ctx, c.target.DeadLetter())
		result.Details["dead_letter_queue"] = dead.Queue
		if err != nil {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("Dead-letter queue %s not accessible", dead.Queue)
			result.Error = err.Error()
			result.Duration = time.Since(start)
			return result
		}
		result.Details["dead_letter_count"] = dead.MessageCount
	}

	if stats.MessageCount > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", stats.Queue)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", stats.Queue)
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
