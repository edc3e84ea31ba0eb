package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// DeliveryFunc is invoked by a transport whenever an envelope arrives
type DeliveryFunc func(ctx context.Context, envelope *contracts.Envelope)

// Transport is the delivery mechanism behind the bus. The bus hands every
// outbound envelope to Send or Publish from the terminal pipeline task and
// expects the transport to call back through the function registered with
// OnMessage once the envelope "arrives".
type Transport interface {
	// Send delivers a command envelope, optionally after delay
	Send(ctx context.Context, envelope *contracts.Envelope, delay time.Duration) error

	// Publish delivers an event envelope, optionally after delay
	Publish(ctx context.Context, envelope *contracts.Envelope, delay time.Duration) error

	// OnMessage registers the single callback invoked on arrival
	OnMessage(fn DeliveryFunc)

	// CompleteMessage acknowledges that every handler for messageID finished.
	// In-memory transports may treat it as a no-op.
	CompleteMessage(ctx context.Context, messageID string) error
}
