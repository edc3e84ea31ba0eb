package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

// RetryConfig configures a RetryTask. A Multiplier of 1 or less gives a fixed
// delay of InitialInterval between attempts.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns three exponential retries starting at 100ms
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

func (c RetryConfig) policy() reliability.RetryPolicy {
	if c.Multiplier <= 1 {
		return reliability.NewFixedDelay(c.InitialInterval, c.MaxRetries)
	}
	return reliability.NewExponentialBackoff(c.InitialInterval, c.MaxInterval, c.Multiplier, c.MaxRetries)
}

// Permanent marks a handler error that a RetryTask must not retry
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// RetryTask runs the rest of the chain again when it fails. Context errors,
// open circuits and Permanent errors are not retried, and a handler that has
// been cancelled is not run again.
type RetryTask struct {
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// NewRetryTask creates a new retry task
func NewRetryTask(config RetryConfig, logger *slog.Logger) *RetryTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryTask{
		policy: config.policy(),
		logger: logger,
	}
}

// Invoke implements messaging.Task
func (t *RetryTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	var lastErr error
	return reliability.Retry(ctx, t.policy, func(attempt int) error {
		if attempt > 0 {
			if hc.WasCancelled() {
				return reliability.Permanent(lastErr)
			}
			msg := hc.Message()
			t.logger.Warn("retrying message",
				"messageId", msg.Metadata.MessageID,
				"messageType", msg.Type,
				"attempt", attempt,
				"error", lastErr,
			)
		}
		lastErr = next(ctx)
		return lastErr
	})
}

// Name implements messaging.Task
func (t *RetryTask) Name() string {
	return "RetryTask"
}
