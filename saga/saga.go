// Package saga keeps state for long-running conversations between handlers.
//
// A saga is a plain function over its state: Run loads the state stored
// under a key, hands it to the function, and saves it back only if the
// function succeeds. Concurrent runs on the same key are detected through
// ETags; the loser gets ErrConcurrencyConflict and nothing is written.
//
//	type Order struct {
//		Items   int
//		Shipped bool
//	}
//
//	saga.Subscribe(bus, store, "Orders.*", "order", orderID,
//		func(ctx context.Context, hc *messaging.HandlerContext, o *Order) error {
//			o.Items++
//			return nil
//		})
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

// ErrCompleted is returned by a saga function to finish the saga. Its state
// is removed and Run reports success.
var ErrCompleted = errors.New("saga: completed")

// Run loads the state under key, calls fn with it, and saves the result. A
// missing state starts from the zero value of S. When fn fails the loaded
// state is discarded and the error returned unchanged.
func Run[S any](ctx context.Context, store Store, key string, fn func(ctx context.Context, state *S) error) error {
	var state S
	etag := ""

	doc, err := store.Get(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(doc.Data, &state); err != nil {
			return fmt.Errorf("decode saga state %s: %w", key, err)
		}
		etag = doc.ETag
	case errors.Is(err, ErrNotFound):
	default:
		return fmt.Errorf("load saga state %s: %w", key, err)
	}

	if err := fn(ctx, &state); err != nil {
		if !errors.Is(err, ErrCompleted) {
			return err
		}
		if etag == "" {
			return nil
		}
		if err := store.Remove(ctx, key, etag); err != nil {
			return fmt.Errorf("remove saga state %s: %w", key, err)
		}
		return nil
	}

	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("encode saga state %s: %w", key, err)
	}
	if _, err := store.Save(ctx, Document{Key: key, Data: data, ETag: etag}); err != nil {
		return fmt.Errorf("save saga state %s: %w", key, err)
	}
	return nil
}

type subscribeOptions struct {
	conflictRetries int
	retryDelay      time.Duration
	logger          *slog.Logger
	subscribe       []messaging.SubscribeOption
}

// SubscribeOption configures Subscribe
type SubscribeOption func(*subscribeOptions)

// WithConflictRetries reruns the saga up to n times when another run on the
// same key saved first
func WithConflictRetries(n int, delay time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		o.conflictRetries = n
		o.retryDelay = delay
	}
}

// WithSagaLogger sets the logger
func WithSagaLogger(logger *slog.Logger) SubscribeOption {
	return func(o *subscribeOptions) {
		o.logger = logger
	}
}

// WithSubscribeOptions passes options through to the bus subscription
func WithSubscribeOptions(opts ...messaging.SubscribeOption) SubscribeOption {
	return func(o *subscribeOptions) {
		o.subscribe = append(o.subscribe, opts...)
	}
}

// Subscribe runs fn as a saga for every message matching filter. keyFn picks
// the business key from the message; an empty key fails the handler. fn runs
// again after a conflict, so anything it sends may be sent more than once.
func Subscribe[S any](
	bus *messaging.Bus,
	store Store,
	filter, sagaType string,
	keyFn func(*contracts.Envelope) string,
	fn func(ctx context.Context, hc *messaging.HandlerContext, state *S) error,
	opts ...SubscribeOption,
) (string, error) {
	o := &subscribeOptions{
		conflictRetries: 3,
		retryDelay:      10 * time.Millisecond,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	policy := reliability.NewFixedDelay(o.retryDelay, o.conflictRetries)

	handler := messaging.MessageHandlerFunc(func(ctx context.Context, hc *messaging.HandlerContext) error {
		msg := hc.Message()
		businessKey := keyFn(msg)
		if businessKey == "" {
			return fmt.Errorf("saga %s: no business key in %s", sagaType, msg.Type)
		}
		key := Key(sagaType, businessKey)

		return reliability.Retry(ctx, policy, func(attempt int) error {
			if attempt > 0 {
				o.logger.Debug("saga conflict, rerunning",
					"saga", key,
					"messageId", msg.Metadata.MessageID,
					"attempt", attempt,
				)
			}
			err := Run(ctx, store, key, func(ctx context.Context, state *S) error {
				return fn(ctx, hc, state)
			})
			if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
				return reliability.Permanent(err)
			}
			return err
		})
	})

	return bus.Subscribe(filter, handler, o.subscribe...)
}
