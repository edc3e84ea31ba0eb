package messaging

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/glimte/mmate-bus/contracts"
)

type contextKey string

// handlerContextKey carries the active *HandlerContext inside a context.Context
const handlerContextKey contextKey = "mmate:handler:context"

// HandlerContext is the per-invocation state of one outbound call or one
// inbound handler invocation. It is never shared between invocations.
type HandlerContext struct {
	bus          *Bus
	message      *contracts.Envelope
	parent       *contracts.Envelope
	subscription *Subscription
	transport    string

	cancelled atomic.Bool
	terminate atomic.Bool
	replied   atomic.Bool
	dropped   bool
}

func newHandlerContext(bus *Bus, message, parent *contracts.Envelope, subscription *Subscription, transport string) *HandlerContext {
	return &HandlerContext{
		bus:          bus,
		message:      message,
		parent:       parent,
		subscription: subscription,
		transport:    transport,
	}
}

// FromContext returns the handler context carried by ctx, if any
func FromContext(ctx context.Context) (*HandlerContext, bool) {
	hc, ok := ctx.Value(handlerContextKey).(*HandlerContext)
	return hc, ok
}

func withHandlerContext(ctx context.Context, hc *HandlerContext) context.Context {
	return context.WithValue(ctx, handlerContextKey, hc)
}

// Message returns the envelope being dispatched
func (hc *HandlerContext) Message() *contracts.Envelope {
	return hc.message
}

// Parent returns the envelope whose handler produced this one, or nil
func (hc *HandlerContext) Parent() *contracts.Envelope {
	return hc.parent
}

// Transport returns the name of the transport carrying the message
func (hc *HandlerContext) Transport() string {
	return hc.transport
}

// SubscriptionID returns the receiving subscription, empty on outbound chains
func (hc *HandlerContext) SubscriptionID() string {
	if hc.subscription == nil {
		return ""
	}
	return hc.subscription.ID
}

// WasCancelled reports whether a newer message cancelled this invocation.
// Once true it stays true.
func (hc *HandlerContext) WasCancelled() bool {
	return hc.cancelled.Load()
}

func (hc *HandlerContext) cancel() {
	hc.cancelled.Store(true)
}

// TerminatePipeline stops the chain from advancing past the current task
func (hc *HandlerContext) TerminatePipeline() {
	hc.terminate.Store(true)
}

// ShouldTerminatePipeline reports whether TerminatePipeline was called
func (hc *HandlerContext) ShouldTerminatePipeline() bool {
	return hc.terminate.Load()
}

// Reply answers the active sendReply message. A cancelled invocation still
// sends a reply, but with a cancellation payload instead of payload, and the
// call returns a *ReplyHandlerCancelledError. A message is answered at most
// once; later calls return ErrAlreadyReplied.
func (hc *HandlerContext) Reply(ctx context.Context, payload any) error {
	msg := hc.message
	if msg.Metadata.Intent != contracts.IntentSendReply {
		return &InvalidReplyError{MessageType: msg.Type, Intent: msg.Metadata.Intent}
	}
	if !hc.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}

	cancelled := hc.WasCancelled()
	if cancelled {
		payload = contracts.NewErrorPayload(contracts.ErrorCodeHandlerCancelled,
			fmt.Sprintf("handler for %s was cancelled", msg.Type))
	}

	reply := &contracts.Envelope{
		Type:    contracts.ReplyType(msg.Type),
		Payload: payload,
		Metadata: contracts.Metadata{
			ReplyTo:        msg.Metadata.MessageID,
			CorrelationID:  msg.Metadata.CorrelationID,
			ConversationID: msg.Metadata.ConversationID,
		},
	}
	if err := hc.bus.dispatch(ctx, hc, reply, contracts.IntentReply); err != nil {
		hc.replied.Store(false)
		return err
	}

	if cancelled {
		return &ReplyHandlerCancelledError{MessageType: msg.Type}
	}
	return nil
}

// ReplyError answers the active sendReply message with an error payload,
// rejecting the caller's request
func (hc *HandlerContext) ReplyError(ctx context.Context, code string, err error) error {
	return hc.Reply(ctx, contracts.NewErrorPayload(code, err.Error()))
}

// Send sends a command on behalf of this invocation
func (hc *HandlerContext) Send(ctx context.Context, msg any, options ...SendOption) error {
	if hc.WasCancelled() {
		return &HandlerCancelledError{MessageType: hc.message.Type}
	}
	return hc.bus.send(ctx, hc, msg, contracts.IntentSend, options)
}

// Publish publishes an event on behalf of this invocation
func (hc *HandlerContext) Publish(ctx context.Context, msg any, options ...SendOption) error {
	if hc.WasCancelled() {
		return &HandlerCancelledError{MessageType: hc.message.Type}
	}
	return hc.bus.send(ctx, hc, msg, contracts.IntentPublish, options)
}

// SendWithReply sends a command on behalf of this invocation and waits for its reply
func (hc *HandlerContext) SendWithReply(ctx context.Context, msg any, options ...SendOption) (any, error) {
	if hc.WasCancelled() {
		return nil, &HandlerCancelledError{MessageType: hc.message.Type}
	}
	return hc.bus.sendWithReply(ctx, hc, msg, options)
}
