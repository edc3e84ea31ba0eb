package interceptors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

func TestRateLimitTask(t *testing.T) {
	t.Run("rejects over the limit per message type", func(t *testing.T) {
		bus := newTestBus(t)
		bus.UseTasks(messaging.StageOutboundLogical, NewRateLimitTask(0.001, 1, WithRejectWhenLimited()))

		require.NoError(t, bus.Publish(context.Background(), contracts.NewEnvelope("Work", nil)))

		err := bus.Publish(context.Background(), contracts.NewEnvelope("Work", nil))
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Contains(t, err.Error(), "Work")

		assert.NoError(t, bus.Publish(context.Background(), contracts.NewEnvelope("Other", nil)))
	})

	t.Run("waits for a token within the deadline", func(t *testing.T) {
		bus := newTestBus(t)
		bus.UseTasks(messaging.StageOutboundLogical, NewRateLimitTask(0.001, 1))

		require.NoError(t, bus.Publish(context.Background(), contracts.NewEnvelope("Work", nil)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := bus.Publish(ctx, contracts.NewEnvelope("Work", nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limit wait for Work")
	})

	t.Run("custom key shares a bucket", func(t *testing.T) {
		task := NewRateLimitTask(0.001, 1,
			WithRejectWhenLimited(),
			WithRateLimitKey(func(*contracts.Envelope) string { return "all" }),
		)
		bus := newTestBus(t)
		bus.UseTasks(messaging.StageOutboundLogical, task)

		require.NoError(t, bus.Publish(context.Background(), contracts.NewEnvelope("Work", nil)))
		assert.ErrorIs(t, bus.Publish(context.Background(), contracts.NewEnvelope("Other", nil)), ErrRateLimited)
		assert.Len(t, task.limiters, 1)
	})

	t.Run("burst below one is raised to one", func(t *testing.T) {
		assert.Equal(t, 1, NewRateLimitTask(5, 0).burst)
	})
}
