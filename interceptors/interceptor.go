package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/journal"
	"github.com/glimte/mmate-bus/messaging"
)

const (
	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

// direction tells outbound chains from inbound ones: only inbound chains
// carry a subscription
func direction(hc *messaging.HandlerContext) string {
	if hc.SubscriptionID() == "" {
		return directionOutbound
	}
	return directionInbound
}

// LoggingTask logs message processing
type LoggingTask struct {
	logger *slog.Logger
}

// NewLoggingTask creates a new logging task
func NewLoggingTask(logger *slog.Logger) *LoggingTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingTask{logger: logger}
}

// Invoke implements messaging.Task
func (t *LoggingTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	start := time.Now()
	msg := hc.Message()
	attrs := []any{
		"messageId", msg.Metadata.MessageID,
		"messageType", msg.Type,
		"intent", string(msg.Metadata.Intent),
		"direction", direction(hc),
		"transport", hc.Transport(),
	}

	t.logger.Debug("processing message", attrs...)

	err := next(ctx)
	attrs = append(attrs, "duration", time.Since(start))

	switch {
	case err != nil:
		t.logger.Error("message processing failed", append(attrs, "error", err)...)
	case hc.WasCancelled():
		t.logger.Info("message processed after cancellation", attrs...)
	default:
		t.logger.Info("message processed", attrs...)
	}
	return err
}

// Name implements messaging.Task
func (t *LoggingTask) Name() string {
	return "LoggingTask"
}

// MessageValidator checks an envelope before it is processed
type MessageValidator interface {
	Validate(ctx context.Context, envelope *contracts.Envelope) error
}

// ValidatorFunc is a function adapter for MessageValidator
type ValidatorFunc func(ctx context.Context, envelope *contracts.Envelope) error

// Validate implements MessageValidator
func (f ValidatorFunc) Validate(ctx context.Context, envelope *contracts.Envelope) error {
	return f(ctx, envelope)
}

// ValidationTask rejects messages the validator refuses. On the outbound path
// the error reaches the sender; inbound it becomes a system error.
type ValidationTask struct {
	validator MessageValidator
}

// NewValidationTask creates a new validation task
func NewValidationTask(validator MessageValidator) *ValidationTask {
	return &ValidationTask{validator: validator}
}

// Invoke implements messaging.Task
func (t *ValidationTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	if err := t.validator.Validate(ctx, hc.Message()); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}
	return next(ctx)
}

// Name implements messaging.Task
func (t *ValidationTask) Name() string {
	return "ValidationTask"
}

// TimeoutTask bounds the context handed to the rest of the chain. Handlers
// are not preempted; they must watch ctx.
type TimeoutTask struct {
	timeout time.Duration
}

// NewTimeoutTask creates a new timeout task
func NewTimeoutTask(timeout time.Duration) *TimeoutTask {
	return &TimeoutTask{timeout: timeout}
}

// Invoke implements messaging.Task
func (t *TimeoutTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return next(timeoutCtx)
}

// Name implements messaging.Task
func (t *TimeoutTask) Name() string {
	return "TimeoutTask"
}

// CircuitBreakerConfig configures the breakers of a CircuitBreakerTask
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenRequests int
}

// CircuitBreakerTask keeps one circuit breaker per message type and stops
// calling the rest of the chain for a type that keeps failing
type CircuitBreakerTask struct {
	config   CircuitBreakerConfig
	logger   *slog.Logger
	breakers map[string]*reliability.CircuitBreaker
	mu       sync.Mutex
}

// NewCircuitBreakerTask creates a new circuit breaker task. Zero config
// fields keep the breaker defaults.
func NewCircuitBreakerTask(config CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerTask{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*reliability.CircuitBreaker),
	}
}

// Invoke implements messaging.Task
func (t *CircuitBreakerTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	return t.breaker(hc.Message().Type).Execute(ctx, func() error {
		return next(ctx)
	})
}

// Name implements messaging.Task
func (t *CircuitBreakerTask) Name() string {
	return "CircuitBreakerTask"
}

// State returns the breaker state for messageType
func (t *CircuitBreakerTask) State(messageType string) string {
	return t.breaker(messageType).State().String()
}

func (t *CircuitBreakerTask) breaker(messageType string) *reliability.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[messageType]; ok {
		return cb
	}

	opts := []reliability.CircuitBreakerOption{
		reliability.WithName(messageType),
		reliability.WithBreakerLogger(t.logger),
	}
	if t.config.FailureThreshold > 0 {
		opts = append(opts, reliability.WithFailureThreshold(t.config.FailureThreshold))
	}
	if t.config.SuccessThreshold > 0 {
		opts = append(opts, reliability.WithSuccessThreshold(t.config.SuccessThreshold))
	}
	if t.config.Timeout > 0 {
		opts = append(opts, reliability.WithTimeout(t.config.Timeout))
	}
	if t.config.HalfOpenRequests > 0 {
		opts = append(opts, reliability.WithHalfOpenRequests(t.config.HalfOpenRequests))
	}

	cb := reliability.NewCircuitBreaker(opts...)
	t.breakers[messageType] = cb
	return cb
}

// ChainBuilder assembles a task list in the order the With methods are called
type ChainBuilder struct {
	tasks  []messaging.Task
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{logger: logger}
}

// WithLogging adds a logging task
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.tasks = append(b.tasks, NewLoggingTask(b.logger))
	return b
}

// WithMetrics adds a metrics task
func (b *ChainBuilder) WithMetrics(metrics *MetricsTask) *ChainBuilder {
	b.tasks = append(b.tasks, metrics)
	return b
}

// WithTracing adds a tracing task
func (b *ChainBuilder) WithTracing(tracing *TracingTask) *ChainBuilder {
	b.tasks = append(b.tasks, tracing)
	return b
}

// WithJournal adds a task recording into j
func (b *ChainBuilder) WithJournal(j *journal.Journal) *ChainBuilder {
	b.tasks = append(b.tasks, NewJournalTask(j, b.logger))
	return b
}

// WithValidation adds a validation task
func (b *ChainBuilder) WithValidation(validator MessageValidator) *ChainBuilder {
	b.tasks = append(b.tasks, NewValidationTask(validator))
	return b
}

// WithFilter adds a filtering task
func (b *ChainBuilder) WithFilter(filter MessageFilter, behavior SkipBehavior) *ChainBuilder {
	b.tasks = append(b.tasks, NewFilterTask(filter, behavior, b.logger))
	return b
}

// WithRateLimit adds a rate limiting task
func (b *ChainBuilder) WithRateLimit(limiter *RateLimitTask) *ChainBuilder {
	b.tasks = append(b.tasks, limiter)
	return b
}

// WithTimeout adds a timeout task
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.tasks = append(b.tasks, NewTimeoutTask(timeout))
	return b
}

// WithRetry adds a retry task
func (b *ChainBuilder) WithRetry(config RetryConfig) *ChainBuilder {
	b.tasks = append(b.tasks, NewRetryTask(config, b.logger))
	return b
}

// WithCircuitBreaker adds a circuit breaker task
func (b *ChainBuilder) WithCircuitBreaker(config CircuitBreakerConfig) *ChainBuilder {
	b.tasks = append(b.tasks, NewCircuitBreakerTask(config, b.logger))
	return b
}

// WithCustom adds any task
func (b *ChainBuilder) WithCustom(task messaging.Task) *ChainBuilder {
	b.tasks = append(b.tasks, task)
	return b
}

// Build returns the assembled tasks
func (b *ChainBuilder) Build() []messaging.Task {
	tasks := make([]messaging.Task, len(b.tasks))
	copy(tasks, b.tasks)
	return tasks
}

// Install appends the assembled tasks to stage for every transport of bus
func (b *ChainBuilder) Install(bus *messaging.Bus, stage messaging.Stage) {
	bus.UseTasks(stage, b.Build()...)
}
