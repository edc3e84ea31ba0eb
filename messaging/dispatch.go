package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// onMessage is the callback registered on every transport
func (b *Bus) onMessage(ctx context.Context, transportName string, envelope *contracts.Envelope) {
	if envelope == nil {
		return
	}

	switch envelope.Metadata.Intent {
	case contracts.IntentReply:
		b.resolveReply(envelope)
		b.complete(ctx, transportName, envelope.Metadata.MessageID)

	case contracts.IntentPublish:
		subscriptions := b.registry.Snapshot()
		b.fanOut(ctx, transportName, envelope, matchForPublish(subscriptions, envelope.Type))

	case contracts.IntentSend, contracts.IntentSendReply:
		subscriptions := b.registry.Snapshot()
		matched := matchForSend(subscriptions, envelope.Type)
		if len(matched) != 1 {
			b.rejectCommand(ctx, envelope, len(matched))
			b.complete(ctx, transportName, envelope.Metadata.MessageID)
			return
		}
		b.fanOut(ctx, transportName, envelope, matched)

	default:
		b.logger.Error("dropping delivery",
			"messageId", envelope.Metadata.MessageID,
			"messageType", envelope.Type,
			"intent", string(envelope.Metadata.Intent),
			"error", ErrUnexpectedDelivery,
		)
		b.complete(ctx, transportName, envelope.Metadata.MessageID)
	}
}

func (b *Bus) resolveReply(envelope *contracts.Envelope) {
	switch b.replies.resolve(envelope) {
	case replyUnknown:
		b.logger.Debug("no pending request for reply",
			"messageId", envelope.Metadata.MessageID,
			"messageType", envelope.Type,
			"replyTo", envelope.Metadata.ReplyTo,
		)
	case replyLate:
		b.logger.Debug("discarding reply that arrived after timeout",
			"messageType", envelope.Type,
			"replyTo", envelope.Metadata.ReplyTo,
		)
	}
}

// rejectCommand reports a command that does not resolve to exactly one subscription
func (b *Bus) rejectCommand(ctx context.Context, envelope *contracts.Envelope, count int) {
	var (
		code string
		err  error
	)
	if count == 0 {
		code = contracts.ErrorCodeNoSubscriber
		err = &NoSubscriberError{MessageType: envelope.Type}
	} else {
		code = contracts.ErrorCodeMultipleSubscribers
		err = &MultipleSubscribersError{MessageType: envelope.Type, Count: count}
	}

	b.logger.Warn("command not dispatched",
		"messageId", envelope.Metadata.MessageID,
		"messageType", envelope.Type,
		"error", err,
	)
	b.publishSystemError(ctx, &contracts.SystemError{
		Code:        code,
		Description: err.Error(),
		Message:     envelope.Clone(),
		Timestamp:   time.Now(),
	})
}

// fanOut runs one inbound chain per subscription, each on its own goroutine.
// The subscription list was snapshotted once by the caller. Cancellation
// policies are evaluated here, in snapshot order, before any chain starts, so
// deliveries of one type are admitted in the order the transport handed them
// over. The transport is told the message is complete after the last chain
// returns.
func (b *Bus) fanOut(ctx context.Context, transportName string, envelope *contracts.Envelope, subscriptions []*Subscription) {
	messageID := envelope.Metadata.MessageID
	if len(subscriptions) == 0 {
		b.logger.Debug("no subscribers for event", "messageId", messageID, "messageType", envelope.Type)
		b.complete(ctx, transportName, messageID)
		return
	}
	if !b.track(len(subscriptions)) {
		b.logger.Debug("bus closed, dropping delivery", "messageId", messageID, "messageType", envelope.Type)
		return
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(subscriptions)))

	for _, sub := range subscriptions {
		msg := envelope
		if len(subscriptions) > 1 {
			msg = envelope.Clone()
		}
		msg.Metadata.ReceivedBy = sub.Name()

		hc := newHandlerContext(b, msg, nil, sub, transportName)
		admitted := sub.admit(hc)

		go func() {
			defer b.inflight.Done()
			b.invoke(ctx, sub, hc, admitted)
			if remaining.Add(-1) == 0 {
				b.complete(ctx, transportName, messageID)
			}
		}()
	}
}

// invoke runs the inbound chain for one subscription:
// error task, cancellation task, configured stages, handler
func (b *Bus) invoke(ctx context.Context, sub *Subscription, hc *HandlerContext, admitted bool) {
	tasks := []Task{
		&errorTask{bus: b},
		&cancellationTask{subscription: sub, logger: b.logger, admitted: admitted},
	}
	tasks = append(tasks, b.pipeline.Inbound(hc.Transport())...)

	_ = execute(ctx, hc, tasks, func(ctx context.Context, hc *HandlerContext) error {
		return sub.Handler.Handle(ctx, hc)
	})

	if hc.dropped {
		b.dropped.Add(1)
	} else {
		b.dispatched.Add(1)
	}
}

func (b *Bus) complete(ctx context.Context, transportName, messageID string) {
	transport, ok := b.transportByName(transportName)
	if !ok {
		return
	}
	if err := transport.CompleteMessage(ctx, messageID); err != nil {
		b.logger.Warn("failed to complete message",
			"messageId", messageID,
			"transport", transportName,
			"error", err,
		)
	}
}

// publishSystemError publishes a system error event. It outlives the
// delivery context that triggered it.
func (b *Bus) publishSystemError(ctx context.Context, sysErr *contracts.SystemError) {
	envelope := contracts.NewEnvelope(b.errorType, sysErr)
	err := b.dispatch(context.WithoutCancel(ctx), nil, envelope, contracts.IntentPublish)
	if err != nil {
		if errors.Is(err, ErrBusClosed) {
			b.logger.Debug("bus closed, system error not published", "code", sysErr.Code)
			return
		}
		b.logger.Error("failed to publish system error", "code", sysErr.Code, "error", err)
		return
	}
	b.errorsPublished.Add(1)
}

// errorTask is the outermost inbound task. Handler errors and panics end here
// and are published as system errors instead of reaching the transport.
type errorTask struct {
	bus *Bus
}

func (t *errorTask) Name() string {
	return "ErrorTask"
}

func (t *errorTask) Invoke(ctx context.Context, hc *HandlerContext, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.report(ctx, hc, &HandlerPanicError{Value: r})
			err = nil
		}
	}()

	if nextErr := next(ctx); nextErr != nil {
		t.report(ctx, hc, nextErr)
	}
	return nil
}

func (t *errorTask) report(ctx context.Context, hc *HandlerContext, err error) {
	b := t.bus
	msg := hc.Message()

	if IsCancelled(err) {
		b.logger.Debug("cancelled handler returned",
			"messageId", msg.Metadata.MessageID,
			"messageType", msg.Type,
			"subscriptionId", hc.SubscriptionID(),
			"error", err,
		)
		return
	}

	b.logger.Error("handler failed",
		"messageId", msg.Metadata.MessageID,
		"messageType", msg.Type,
		"subscriptionId", hc.SubscriptionID(),
		"error", err,
	)

	// A failing system error handler is not reported again.
	if msg.Type == b.errorType {
		return
	}

	code := contracts.ErrorCodeHandlerFailed
	var panicErr *HandlerPanicError
	if errors.As(err, &panicErr) {
		code = contracts.ErrorCodeHandlerPanic
	}

	b.publishSystemError(ctx, &contracts.SystemError{
		Code:           code,
		Description:    fmt.Sprintf("%s: %v", msg.Type, err),
		Message:        msg.Clone(),
		SubscriptionID: hc.SubscriptionID(),
		Timestamp:      time.Now(),
	})
}
