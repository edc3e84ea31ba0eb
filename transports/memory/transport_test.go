package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

func TestTransport(t *testing.T) {
	t.Run("delivers a private copy on another goroutine", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		tr := NewTransport()
		received := make(chan *contracts.Envelope, 1)
		release := make(chan struct{})
		tr.OnMessage(func(ctx context.Context, env *contracts.Envelope) {
			<-release
			received <- env
		})

		original := contracts.NewEnvelope("Work", nil)
		original.Metadata.Set("k", "v")
		require.NoError(t, tr.Send(context.Background(), original, 0))
		close(release)

		got := <-received
		assert.NotSame(t, original, got)
		got.Metadata.Set("k", "changed")
		v, _ := original.Metadata.GetString("k")
		assert.Equal(t, "v", v)

		require.NoError(t, tr.Close())
		assert.Equal(t, int64(1), tr.Stats().Sent)
		assert.Equal(t, int64(1), tr.Stats().Delivered)
	})

	t.Run("delivery survives the sender's context", func(t *testing.T) {
		tr := NewTransport()
		defer tr.Close()
		errs := make(chan error, 1)
		tr.OnMessage(func(ctx context.Context, env *contracts.Envelope) {
			errs <- ctx.Err()
		})

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, tr.Publish(ctx, contracts.NewEnvelope("Evt", nil), 0))
		cancel()

		assert.NoError(t, <-errs)
	})

	t.Run("delays delivery", func(t *testing.T) {
		tr := NewTransport()
		defer tr.Close()
		received := make(chan time.Time, 1)
		tr.OnMessage(func(ctx context.Context, env *contracts.Envelope) {
			received <- time.Now()
		})

		start := time.Now()
		require.NoError(t, tr.Publish(context.Background(), contracts.NewEnvelope("Evt", nil), 40*time.Millisecond))
		assert.Equal(t, 1, tr.Stats().Scheduled)

		assert.GreaterOrEqual(t, (<-received).Sub(start), 35*time.Millisecond)
	})

	t.Run("Close cancels scheduled deliveries", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		tr := NewTransport()
		called := make(chan struct{}, 1)
		tr.OnMessage(func(ctx context.Context, env *contracts.Envelope) {
			called <- struct{}{}
		})

		require.NoError(t, tr.Send(context.Background(), contracts.NewEnvelope("Work", nil), time.Hour))
		require.NoError(t, tr.Close())

		assert.Equal(t, 0, tr.Stats().Scheduled)
		assert.ErrorIs(t, tr.Send(context.Background(), contracts.NewEnvelope("Work", nil), 0), ErrClosed)
		assert.Empty(t, called)
	})

	t.Run("hands envelopes over in send order", func(t *testing.T) {
		tr := NewTransport()
		var (
			mu  sync.Mutex
			got []string
		)
		tr.OnMessage(func(ctx context.Context, env *contracts.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, env.Payload.(string))
		})

		var want []string
		for i := range 200 {
			id := fmt.Sprint(i)
			want = append(want, id)
			if i%2 == 0 {
				require.NoError(t, tr.Send(context.Background(), contracts.NewEnvelope("Work", id), 0))
			} else {
				require.NoError(t, tr.Publish(context.Background(), contracts.NewEnvelope("Work", id), 0))
			}
		}
		require.NoError(t, tr.Close())

		assert.Equal(t, want, got)
	})

	t.Run("due envelopes queue behind earlier ones", func(t *testing.T) {
		tr := NewTransport()
		defer tr.Close()
		received := make(chan string, 2)
		tr.OnMessage(func(ctx context.Context, env *contracts.Envelope) {
			received <- env.Payload.(string)
		})

		require.NoError(t, tr.Send(context.Background(), contracts.NewEnvelope("Work", "late"), 20*time.Millisecond))
		require.NoError(t, tr.Send(context.Background(), contracts.NewEnvelope("Work", "now"), 0))

		assert.Equal(t, "now", <-received)
		assert.Equal(t, "late", <-received)
	})

	t.Run("drops deliveries without a receiver", func(t *testing.T) {
		tr := NewTransport()

		require.NoError(t, tr.Send(context.Background(), contracts.NewEnvelope("Work", nil), 0))
		require.NoError(t, tr.Close())

		assert.Equal(t, int64(0), tr.Stats().Delivered)
	})
}

func TestTransportWithBus(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := NewTransport()
	bus := messaging.NewBus()
	require.NoError(t, bus.RegisterTransport("memory", tr))

	_, err := bus.Subscribe("UNIT_TEST", messaging.MessageHandlerFunc(
		func(ctx context.Context, hc *messaging.HandlerContext) error {
			return hc.Reply(ctx, "response")
		}))
	require.NoError(t, err)

	result, err := bus.SendWithReply(context.Background(), contracts.NewEnvelope("UNIT_TEST", nil))
	require.NoError(t, err)
	assert.Equal(t, "response", result)

	require.NoError(t, bus.Close(context.Background()))
	require.NoError(t, tr.Close())

	stats := tr.Stats()
	assert.Equal(t, int64(2), stats.Sent)
	assert.Equal(t, int64(2), stats.Completed)
}

type outcome struct {
	id        string
	cancelled bool
}

// waitForCancel polls hc until it is cancelled or d elapses
func waitForCancel(hc *messaging.HandlerContext, d time.Duration) {
	deadline := time.Now().Add(d)
	for !hc.WasCancelled() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestCancellationPolicyOrdering(t *testing.T) {
	run := func(t *testing.T, policy messaging.CancellationPolicy) map[string]bool {
		t.Helper()

		tr := NewTransport()
		bus := messaging.NewBus()
		require.NoError(t, bus.RegisterTransport("memory", tr))

		outcomes := make(chan outcome, 2)
		_, err := bus.Subscribe("Work", messaging.MessageHandlerFunc(
			func(ctx context.Context, hc *messaging.HandlerContext) error {
				waitForCancel(hc, 100*time.Millisecond)
				outcomes <- outcome{id: hc.Message().Payload.(string), cancelled: hc.WasCancelled()}
				return nil
			}), messaging.WithCancellationPolicy(policy))
		require.NoError(t, err)

		require.NoError(t, bus.Send(context.Background(), contracts.NewEnvelope("Work", "1")))
		require.NoError(t, bus.Send(context.Background(), contracts.NewEnvelope("Work", "2")))

		require.NoError(t, tr.Close())
		require.NoError(t, bus.Close(context.Background()))
		close(outcomes)

		got := make(map[string]bool)
		for o := range outcomes {
			got[o.id] = o.cancelled
		}
		return got
	}

	t.Run("cancelExisting cancels the earlier of two back to back sends", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		for range 10 {
			got := run(t, messaging.PolicyCancelExisting)
			require.Len(t, got, 2)
			assert.True(t, got["1"], "id=1 should be cancelled")
			assert.False(t, got["2"], "id=2 should run to completion")
		}
	})

	t.Run("ignoreIfExisting drops the later of two back to back sends", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		for range 10 {
			got := run(t, messaging.PolicyIgnoreIfExisting)
			assert.Equal(t, map[string]bool{"1": false}, got)
		}
	})
}
