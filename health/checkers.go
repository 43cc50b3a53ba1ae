package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	broker "github.com/glimte/mmate-broker"
)

// QueueInspector is the part of a subscriber the queue checker needs.
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (broker.QueueStatus, error)
}

// QueueChecker inspects a queue without declaring it. A missing queue is
// degraded; an unreachable one or a failed lookup is unhealthy.
type QueueChecker struct {
	queue     string
	inspector QueueInspector
}

// NewQueueChecker creates a checker for queue.
func NewQueueChecker(queue string, inspector QueueInspector) *QueueChecker {
	return &QueueChecker{queue: queue, inspector: inspector}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Name: c.Name()}

	status, err := c.inspector.InspectQueue(ctx, c.queue)
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("queue %s could not be inspected", c.queue)
		res.Error = err.Error()
		return res
	}

	res.Details = map[string]any{"queue_status": status.String()}
	switch status {
	case broker.QueueAvailable:
		res.Status = StatusHealthy
		res.Message = fmt.Sprintf("queue %s is available", c.queue)
	case broker.QueueMissing:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("queue %s does not exist", c.queue)
	default:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("queue %s is unavailable", c.queue)
	}
	return res
}

// GoroutineChecker flags runaway goroutine counts, which usually mean
// leaked consumers or stuck requeue timers.
type GoroutineChecker struct {
	warn     int
	critical int
	count    func() int
}

// NewGoroutineChecker creates a checker degraded above warn and unhealthy
// above critical.
func NewGoroutineChecker(warn, critical int) *GoroutineChecker {
	return &GoroutineChecker{warn: warn, critical: critical, count: runtime.NumGoroutine}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	n := c.count()
	res := CheckResult{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "goroutine count is normal",
		Details: map[string]any{"goroutines": n},
	}

	switch {
	case n > c.critical:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warn:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("high goroutine count: %d", n)
	}
	return res
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a named checker from fn.
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string {
	return c.name
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	res := c.fn(ctx)
	res.Name = c.name
	return res
}
