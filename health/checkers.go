package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

// BusChecker reports a closed bus or one without transports as unhealthy and
// a growing backlog of unanswered requests as degraded
type BusChecker struct {
	bus               *messaging.Bus
	maxPendingReplies int
}

// NewBusChecker creates a checker that degrades once more than
// maxPendingReplies requests wait for a reply. Zero disables that limit.
func NewBusChecker(bus *messaging.Bus, maxPendingReplies int) *BusChecker {
	return &BusChecker{bus: bus, maxPendingReplies: maxPendingReplies}
}

func (c *BusChecker) Name() string {
	return "bus"
}

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.bus.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "bus is running",
		Timestamp: start,
		Details: map[string]any{
			"subscriptions":    stats.Subscriptions,
			"pending_replies":  stats.PendingReplies,
			"transports":       stats.Transports,
			"dispatched":       stats.Dispatched,
			"dropped":          stats.Dropped,
			"errors_published": stats.ErrorsPublished,
		},
	}

	switch {
	case stats.Closed:
		result.Status = StatusUnhealthy
		result.Message = "bus is closed"
	case stats.Transports == 0:
		result.Status = StatusUnhealthy
		result.Message = "no transport registered"
	case c.maxPendingReplies > 0 && stats.PendingReplies > c.maxPendingReplies:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests waiting for a reply", stats.PendingReplies)
	}

	result.Duration = time.Since(start)
	return result
}

// ErrorRateChecker subscribes to the bus system errors and reports on how
// many arrived within a sliding window
type ErrorRateChecker struct {
	bus            *messaging.Bus
	subscriptionID string
	window         time.Duration
	degradedAt     int
	unhealthyAt    int
	now            func() time.Time

	mu     sync.Mutex
	events []errorEvent
}

type errorEvent struct {
	at   time.Time
	code string
}

// ErrorRateOption configures an ErrorRateChecker
type ErrorRateOption func(*ErrorRateChecker)

// WithErrorClock replaces time.Now, for tests
func WithErrorClock(now func() time.Time) ErrorRateOption {
	return func(c *ErrorRateChecker) {
		c.now = now
	}
}

// NewErrorRateChecker subscribes to system errors on bus. The check degrades
// at degradedAt errors within window and fails at unhealthyAt; a zero
// threshold is never reached.
func NewErrorRateChecker(bus *messaging.Bus, window time.Duration, degradedAt, unhealthyAt int, opts ...ErrorRateOption) (*ErrorRateChecker, error) {
	c := &ErrorRateChecker{
		bus:         bus,
		window:      window,
		degradedAt:  degradedAt,
		unhealthyAt: unhealthyAt,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	id, err := bus.Subscribe(contracts.SystemErrorType, messaging.HandleFunc(c.record))
	if err != nil {
		return nil, fmt.Errorf("subscribe to system errors: %w", err)
	}
	c.subscriptionID = id
	return c, nil
}

func (c *ErrorRateChecker) record(ctx context.Context, hc *messaging.HandlerContext, e *contracts.SystemError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, errorEvent{at: c.now(), code: e.Code})
	return nil
}

// Stop unsubscribes from the bus
func (c *ErrorRateChecker) Stop() error {
	return c.bus.Unsubscribe(c.subscriptionID)
}

func (c *ErrorRateChecker) Name() string {
	return "error_rate"
}

func (c *ErrorRateChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	c.mu.Lock()
	cutoff := c.now().Add(-c.window)
	kept := c.events[:0]
	for _, e := range c.events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.events = kept

	byCode := make(map[string]int)
	for _, e := range kept {
		byCode[e.code]++
	}
	count := len(kept)
	c.mu.Unlock()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d errors in the last %s", count, c.window),
		Timestamp: start,
		Details: map[string]any{
			"errors":  count,
			"window":  c.window.String(),
			"by_code": byCode,
		},
	}

	switch {
	case c.unhealthyAt > 0 && count >= c.unhealthyAt:
		result.Status = StatusUnhealthy
	case c.degradedAt > 0 && count >= c.degradedAt:
		result.Status = StatusDegraded
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker watches the goroutine count; every in-flight handler runs
// on its own goroutine
type GoroutineChecker struct {
	degradedAt  int
	unhealthyAt int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(degradedAt, unhealthyAt int) *GoroutineChecker {
	return &GoroutineChecker{
		degradedAt:  degradedAt,
		unhealthyAt: unhealthyAt,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d goroutines", goroutines),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":    goroutines,
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
		},
	}

	switch {
	case c.unhealthyAt > 0 && goroutines > c.unhealthyAt:
		result.Status = StatusUnhealthy
	case c.degradedAt > 0 && goroutines > c.degradedAt:
		result.Status = StatusDegraded
	}

	result.Duration = time.Since(start)
	return result
}
