package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

func TestHandleFunc(t *testing.T) {
	t.Run("passes value payloads through", func(t *testing.T) {
		var got workCommand
		h := HandleFunc(func(ctx context.Context, hc *HandlerContext, w workCommand) error {
			got = w
			return nil
		})

		require.NoError(t, h.Handle(context.Background(), contextFor(workCommand{ID: "1"})))
		assert.Equal(t, "1", got.ID)
	})

	t.Run("dereferences pointer payloads", func(t *testing.T) {
		var got workCommand
		h := HandleFunc(func(ctx context.Context, hc *HandlerContext, w workCommand) error {
			got = w
			return nil
		})

		require.NoError(t, h.Handle(context.Background(), contextFor(&workCommand{ID: "2"})))
		assert.Equal(t, "2", got.ID)
	})

	t.Run("rejects mismatched payloads", func(t *testing.T) {
		h := HandleFunc(func(ctx context.Context, hc *HandlerContext, w workCommand) error {
			t.Fatal("handler must not run")
			return nil
		})

		err := h.Handle(context.Background(), contextFor("not a command"))

		assert.ErrorContains(t, err, "expected payload")
	})
}

func TestHandlerContext(t *testing.T) {
	t.Run("Reply requires a sendReply message", func(t *testing.T) {
		hc := contextFor(nil)
		hc.message.Metadata.Intent = contracts.IntentSend

		err := hc.Reply(context.Background(), "value")

		var invalid *InvalidReplyError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, contracts.IntentSend, invalid.Intent)
	})

	t.Run("cancelled context refuses to send and publish", func(t *testing.T) {
		hc := contextFor(nil)
		hc.cancel()

		var cancelled *HandlerCancelledError
		assert.ErrorAs(t, hc.Send(context.Background(), workCommand{}), &cancelled)
		assert.ErrorAs(t, hc.Publish(context.Background(), orderPlaced{}), &cancelled)
		_, err := hc.SendWithReply(context.Background(), workCommand{})
		assert.ErrorAs(t, err, &cancelled)
		assert.True(t, hc.WasCancelled())
	})

	t.Run("exposes invocation details", func(t *testing.T) {
		sub := &Subscription{ID: "sub-1"}
		parent := contracts.NewEnvelope("Parent", nil)
		hc := newHandlerContext(nil, contracts.NewEnvelope("Work", nil), parent, sub, "memory")

		assert.Equal(t, "sub-1", hc.SubscriptionID())
		assert.Same(t, parent, hc.Parent())
		assert.Equal(t, "memory", hc.Transport())
		assert.Empty(t, contextFor(nil).SubscriptionID())

		_, ok := FromContext(context.Background())
		assert.False(t, ok)
	})
}
