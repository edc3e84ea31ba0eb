// Package messaging is the in-process dispatch engine of mmate.
//
// A Bus routes envelopes between subscriptions using three delivery
// semantics:
//   - Publish: an event delivered to every matching subscription (exact type,
//     "prefix*" or "*suffix"); zero subscribers is fine
//   - Send: a command delivered to exactly one subscription; zero or several
//     are reported as a contracts.SystemError event
//   - SendWithReply: a command whose handler answers through HandlerContext.Reply;
//     the caller blocks until the reply, a timeout, or cancellation
//
// Every message passes an outbound pipeline before reaching its Transport and
// an inbound pipeline before reaching the handler. Pipelines are built from
// Tasks grouped into Stages and can be configured for all transports or for a
// single one.
//
// Subscriptions may declare a CancellationPolicy that decides what happens to
// a message arriving while the previous one is still being handled.
// Cancellation never stops a running handler; it marks the HandlerContext so
// that later Send, Publish and Reply calls observe it.
//
// Example usage:
//
//	bus := messaging.NewBus(messaging.WithServiceName("orders"))
//	defer bus.Close(ctx)
//
//	_ = bus.RegisterTransport("memory", memory.NewTransport())
//
//	_, _ = bus.Subscribe("GetOrder", messaging.HandleFunc(
//		func(ctx context.Context, hc *messaging.HandlerContext, q GetOrder) error {
//			return hc.Reply(ctx, lookup(q.ID))
//		}))
//
//	order, err := messaging.SendWithReplyAs[Order](ctx, bus, GetOrder{ID: "42"},
//		messaging.WithTimeout(5*time.Second))
package messaging
