package messaging

import (
	"context"
	"fmt"
)

// MessageHandler handles one delivered message. The envelope and the
// per-invocation state are reached through hc.
type MessageHandler interface {
	Handle(ctx context.Context, hc *HandlerContext) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, hc *HandlerContext) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, hc *HandlerContext) error {
	return f(ctx, hc)
}

// TypedHandler adapts a handler of payload type T to MessageHandler
type TypedHandler[T any] struct {
	fn func(ctx context.Context, hc *HandlerContext, payload T) error
}

// HandleFunc creates a handler that receives the payload already asserted to T.
// Pointer payloads are dereferenced when T is the element type.
func HandleFunc[T any](fn func(ctx context.Context, hc *HandlerContext, payload T) error) *TypedHandler[T] {
	return &TypedHandler[T]{fn: fn}
}

// Handle implements MessageHandler
func (h *TypedHandler[T]) Handle(ctx context.Context, hc *HandlerContext) error {
	payload, err := payloadAs[T](hc.Message().Payload)
	if err != nil {
		return fmt.Errorf("%s: %w", hc.Message().Type, err)
	}
	return h.fn(ctx, hc, payload)
}

func payloadAs[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	if p, ok := payload.(*T); ok && p != nil {
		return *p, nil
	}
	var zero T
	return zero, fmt.Errorf("expected payload %T, got %T", zero, payload)
}

// HandlerRegistration is one row of a startup registration table
type HandlerRegistration struct {
	MessageType string
	Handler     MessageHandler
	Options     []SubscribeOption
}

// RegisterHandlers subscribes every row of table in order. It stops at the
// first failure and unsubscribes the rows this call already registered.
func (b *Bus) RegisterHandlers(table []HandlerRegistration) ([]string, error) {
	ids := make([]string, 0, len(table))
	for i, row := range table {
		id, err := b.Subscribe(row.MessageType, row.Handler, row.Options...)
		if err != nil {
			for _, registered := range ids {
				_ = b.Unsubscribe(registered)
			}
			return nil, fmt.Errorf("register handler %d (%s): %w", i, row.MessageType, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
