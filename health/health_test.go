package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func static(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().CheckAll(ctx)
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("Worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(static("a", StatusHealthy))
		r.Register(static("b", StatusDegraded))

		health := r.CheckAll(ctx)
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)

		r.Register(static("c", StatusUnhealthy))
		assert.Equal(t, StatusUnhealthy, r.CheckAll(ctx).Status)

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.CheckAll(ctx).Status)
	})

	t.Run("Metadata is copied into the report", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("version", "1.2.3")
		assert.Equal(t, "1.2.3", r.CheckAll(ctx).Metadata["version"])
	})

	t.Run("Slow check times out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		r := NewRegistry()
		r.Register(static("fast", StatusHealthy))
		r.Register(NewCheckerFunc("slow", func(context.Context) CheckResult {
			<-release
			return CheckResult{Status: StatusHealthy}
		}))

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		health := r.CheckAll(short)
		assert.Equal(t, StatusUnhealthy, health.Status)
		require.Contains(t, health.Checks, "slow")
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
		assert.Equal(t, context.DeadlineExceeded.Error(), health.Checks["slow"].Error)
	})
}
