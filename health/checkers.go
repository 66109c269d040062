package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shopfront/eventbus/internal/rabbitmq"
)

// Broker is the part of the client the broker check looks at.
type Broker interface {
	State() rabbitmq.State
	Err() error
	Subscriptions() []string
}

// BrokerChecker reports the client's connection state. A client that is
// reconnecting is degraded; one that gave up is unhealthy.
type BrokerChecker struct {
	broker Broker
}

func NewBrokerChecker(broker Broker) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.broker.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":         state.String(),
			"subscriptions": len(c.broker.Subscriptions()),
		},
	}

	switch {
	case state == rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "connected to broker"
	case state == rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "reconnecting to broker"
	case c.broker.Err() != nil:
		result.Status = StatusUnhealthy
		result.Message = "gave up reconnecting"
		result.Error = c.broker.Err().Error()
	default:
		// not connected yet; the client dials lazily
		result.Status = StatusDegraded
		result.Message = "not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// MemoryChecker flags goroutine leaks, a common symptom of consumers that
// are never cancelled.
type MemoryChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

func NewMemoryChecker(warnGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps a function as a checker.
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
