package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

// recorder builds tasks that log their entry and exit
type recorder struct {
	calls []string
}

func (r *recorder) task(name string) Task {
	return NewTaskFunc(name, func(ctx context.Context, hc *HandlerContext, next Next) error {
		r.calls = append(r.calls, name+">")
		err := next(ctx)
		r.calls = append(r.calls, "<"+name)
		return err
	})
}

func (r *recorder) terminal(ctx context.Context, hc *HandlerContext) error {
	r.calls = append(r.calls, "terminal")
	return nil
}

func testContext() *HandlerContext {
	return newHandlerContext(nil, contracts.NewEnvelope("Work", nil), nil, nil, "memory")
}

func TestPipeline(t *testing.T) {
	t.Run("inbound stages run in stage order then unwind", func(t *testing.T) {
		rec := &recorder{}
		p := NewPipeline()
		p.Use(StageInvokeHandlers, rec.task("invoke"))
		p.Use(StageTransportReceived, rec.task("received"))
		p.Use(StageInboundLogical, rec.task("logical"))
		p.Use(StageOutboundLogical, rec.task("outbound"))

		err := execute(context.Background(), testContext(), p.Inbound("memory"), rec.terminal)

		require.NoError(t, err)
		assert.Equal(t, []string{
			"received>", "logical>", "invoke>", "terminal", "<invoke", "<logical", "<received",
		}, rec.calls)
	})

	t.Run("outbound stages exclude inbound tasks", func(t *testing.T) {
		rec := &recorder{}
		p := NewPipeline()
		p.Use(StageTransportDispatch, rec.task("dispatch"))
		p.Use(StageOutboundLogical, rec.task("logical"))
		p.Use(StageInvokeHandlers, rec.task("invoke"))

		require.NoError(t, execute(context.Background(), testContext(), p.Outbound("memory"), rec.terminal))

		assert.Equal(t, []string{"logical>", "dispatch>", "terminal", "<dispatch", "<logical"}, rec.calls)
	})

	t.Run("shared tasks precede transport tasks and stay per transport", func(t *testing.T) {
		rec := &recorder{}
		p := NewPipeline()
		p.UseFor("memory", StageInboundLogical, rec.task("memory-only"))
		p.Use(StageInboundLogical, rec.task("shared"))
		p.UseFor("other", StageInboundLogical, rec.task("other-only"))

		require.NoError(t, execute(context.Background(), testContext(), p.Inbound("memory"), rec.terminal))

		assert.Equal(t, []string{"shared>", "memory-only>", "terminal", "<memory-only", "<shared"}, rec.calls)
		assert.Len(t, p.Inbound("unknown"), 1)
	})

	t.Run("a task that skips next short-circuits the chain", func(t *testing.T) {
		rec := &recorder{}
		stop := NewTaskFunc("stop", func(ctx context.Context, hc *HandlerContext, next Next) error {
			return nil
		})

		err := execute(context.Background(), testContext(), []Task{rec.task("first"), stop, rec.task("never")}, rec.terminal)

		require.NoError(t, err)
		assert.Equal(t, []string{"first>", "<first"}, rec.calls)
	})

	t.Run("TerminatePipeline turns next into a no-op", func(t *testing.T) {
		rec := &recorder{}
		terminate := NewTaskFunc("terminate", func(ctx context.Context, hc *HandlerContext, next Next) error {
			hc.TerminatePipeline()
			return next(ctx)
		})

		err := execute(context.Background(), testContext(), []Task{terminate, rec.task("never")}, rec.terminal)

		require.NoError(t, err)
		assert.Empty(t, rec.calls)
	})

	t.Run("errors propagate back through wrapping tasks", func(t *testing.T) {
		boom := errors.New("boom")
		var seen error
		wrap := NewTaskFunc("wrap", func(ctx context.Context, hc *HandlerContext, next Next) error {
			seen = next(ctx)
			return seen
		})

		err := execute(context.Background(), testContext(), []Task{wrap}, func(ctx context.Context, hc *HandlerContext) error {
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, seen, boom)
	})

	t.Run("tasks reach the handler context through ctx", func(t *testing.T) {
		hc := testContext()
		var found *HandlerContext
		spy := NewTaskFunc("spy", func(ctx context.Context, _ *HandlerContext, next Next) error {
			found, _ = FromContext(ctx)
			return next(ctx)
		})

		require.NoError(t, execute(context.Background(), hc, []Task{spy}, (&recorder{}).terminal))

		assert.Same(t, hc, found)
	})

	t.Run("Stage names", func(t *testing.T) {
		assert.Equal(t, "transportDispatch", StageTransportDispatch.String())
		assert.Equal(t, "invokeHandlers", StageInvokeHandlers.String())
		assert.Equal(t, "unknown", Stage(42).String())
	})
}
