package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

func replyTo(id string, payload any) *contracts.Envelope {
	env := contracts.NewEnvelope("Work.reply", payload)
	env.Metadata.Intent = contracts.IntentReply
	env.Metadata.ReplyTo = id
	return env
}

func TestReplyTable(t *testing.T) {
	t.Run("resolve settles the caller once and removes the entry", func(t *testing.T) {
		table := newReplyTable()
		p, err := table.register("m1", "Work", time.Minute, nil)
		require.NoError(t, err)

		assert.Equal(t, replyDelivered, table.resolve(replyTo("m1", "ok")))
		assert.Equal(t, replyUnknown, table.resolve(replyTo("m1", "again")))

		result := receive(t, p.result)
		assert.Equal(t, "ok", result.value)
		assert.NoError(t, result.err)
		assert.Equal(t, 0, table.len())
	})

	t.Run("register rejects a duplicate message ID", func(t *testing.T) {
		table := newReplyTable()
		_, err := table.register("m1", "Work", time.Minute, nil)
		require.NoError(t, err)
		defer table.closeAll(ErrBusClosed)

		_, err = table.register("m1", "Work", time.Minute, nil)

		assert.Error(t, err)
	})

	t.Run("timeout rejects and keeps the entry for the late reply", func(t *testing.T) {
		table := newReplyTable()
		p, err := table.register("m1", "Work", 10*time.Millisecond, nil)
		require.NoError(t, err)

		result := receive(t, p.result)
		var timeout *TimeoutError
		require.ErrorAs(t, result.err, &timeout)
		assert.Equal(t, "m1", timeout.MessageID)
		assert.Equal(t, 1, table.len())

		assert.Equal(t, replyLate, table.resolve(replyTo("m1", "late")))
		assert.Equal(t, 0, table.len())
		assertNothing(t, p.result, 10*time.Millisecond)
	})

	t.Run("sweep removes timed-out entries after the grace period", func(t *testing.T) {
		table := newReplyTable()
		p, err := table.register("m1", "Work", 5*time.Millisecond, nil)
		require.NoError(t, err)
		_, err = table.register("m2", "Work", time.Minute, nil)
		require.NoError(t, err)
		defer table.closeAll(ErrBusClosed)
		receive(t, p.result)

		assert.Equal(t, 0, table.sweep(time.Now(), time.Hour))
		assert.Equal(t, 1, table.sweep(time.Now().Add(time.Hour), time.Minute))
		assert.Equal(t, 1, table.len())
	})

	t.Run("error payloads reject the caller", func(t *testing.T) {
		table := newReplyTable()
		remote, _ := table.register("m1", "Work", time.Minute, nil)
		cancelled, _ := table.register("m2", "Work", time.Minute, nil)

		table.resolve(replyTo("m1", contracts.NewErrorPayload("INVALID", "bad input")))
		table.resolve(replyTo("m2", contracts.NewErrorPayload(contracts.ErrorCodeHandlerCancelled, "cancelled")))

		var remoteErr *RemoteError
		require.ErrorAs(t, receive(t, remote.result).err, &remoteErr)
		assert.Equal(t, "INVALID", remoteErr.Code)

		var cancelErr *ReplyHandlerCancelledError
		assert.ErrorAs(t, receive(t, cancelled.result).err, &cancelErr)
	})

	t.Run("token is checked when the reply arrives", func(t *testing.T) {
		table := newReplyTable()
		token := NewCancellationToken()
		p, _ := table.register("m1", "Work", time.Minute, token)

		token.Cancel()
		token.Cancel()
		table.resolve(replyTo("m1", "ok"))

		assert.True(t, IsCancelled(receive(t, p.result).err))
	})

	t.Run("abandon removes without settling", func(t *testing.T) {
		table := newReplyTable()
		p, _ := table.register("m1", "Work", time.Minute, nil)

		table.abandon("m1")

		assert.Equal(t, 0, table.len())
		assert.Equal(t, replyUnknown, table.resolve(replyTo("m1", "ok")))
		assertNothing(t, p.result, 10*time.Millisecond)
	})

	t.Run("closeAll rejects every caller", func(t *testing.T) {
		table := newReplyTable()
		a, _ := table.register("m1", "Work", time.Minute, nil)
		b, _ := table.register("m2", "Work", time.Minute, nil)

		table.closeAll(ErrBusClosed)

		assert.True(t, errors.Is(receive(t, a.result).err, ErrBusClosed))
		assert.True(t, errors.Is(receive(t, b.result).err, ErrBusClosed))
		assert.Equal(t, 0, table.len())
	})
}
