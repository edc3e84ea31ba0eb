package messaging

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/glimte/mmate-bus/contracts"
)

// CancellationPolicy decides what happens to a message that arrives while a
// previous invocation of the same subscription is still running
type CancellationPolicy int

const (
	// PolicyNone dispatches normally; both invocations run concurrently
	PolicyNone CancellationPolicy = iota
	// PolicyCancelExisting flags the running invocation as cancelled and
	// dispatches the new message in its place
	PolicyCancelExisting
	// PolicyIgnoreIfDuplicate drops the new message when its payload equals
	// the payload of the running invocation
	PolicyIgnoreIfDuplicate
	// PolicyIgnoreIfExisting drops the new message while busy
	PolicyIgnoreIfExisting
)

func (p CancellationPolicy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyCancelExisting:
		return "cancelExisting"
	case PolicyIgnoreIfDuplicate:
		return "ignoreIfDuplicate"
	case PolicyIgnoreIfExisting:
		return "ignoreIfExisting"
	default:
		return "unknown"
	}
}

// admit evaluates the subscription's policy against an arriving message and,
// when admitted, makes hc the running invocation. Evaluation and takeover
// happen under one lock so two arrivals cannot both see an idle subscription.
func (s *Subscription) admit(hc *HandlerContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing && s.active != nil {
		switch s.Options.CancellationPolicy {
		case PolicyCancelExisting:
			s.active.cancel()
		case PolicyIgnoreIfDuplicate:
			if payloadsEqual(s.active.Message().Payload, hc.Message().Payload) {
				return false
			}
		case PolicyIgnoreIfExisting:
			return false
		}
	}

	s.processing = true
	s.active = hc
	return true
}

// release clears the busy slot unless hc was cancelled, in which case a newer
// invocation already owns it
func (s *Subscription) release(hc *HandlerContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hc.WasCancelled() || s.active != hc {
		return
	}
	s.processing = false
	s.active = nil
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// payloadsEqual compares payloads structurally, metadata is never consulted
func payloadsEqual(a, b any) (equal bool) {
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()
	return cmp.Equal(a, b, exportAll)
}

// cancellationTask is prepended to every inbound chain that targets a live
// subscription. Admission is decided before the chain starts, in arrival
// order; the task acts on that decision and frees the slot afterwards.
type cancellationTask struct {
	subscription *Subscription
	logger       *slog.Logger
	admitted     bool
}

func (t *cancellationTask) Name() string {
	return "CancellationTask"
}

func (t *cancellationTask) Invoke(ctx context.Context, hc *HandlerContext, next Next) error {
	if !t.admitted {
		msg := hc.Message()
		t.logger.Debug("message dropped by cancellation policy",
			"messageId", msg.Metadata.MessageID,
			"messageType", msg.Type,
			"subscriptionId", t.subscription.ID,
			"policy", t.subscription.Options.CancellationPolicy.String(),
		)
		hc.dropped = true
		return nil
	}
	defer t.subscription.release(hc)

	return next(ctx)
}

// CancellationToken lets a caller abandon a pending reply. The token is
// checked when the reply arrives, not when the request is sent.
type CancellationToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancellationToken creates an untriggered token
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel triggers the token. Calling it more than once is safe.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() {
		close(t.done)
	})
}

// IsCancelled reports whether Cancel was called
func (t *CancellationToken) IsCancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation
func (t *CancellationToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// isCancellationPayload reports whether a reply carries a cancelled handler's answer
func isCancellationPayload(payload any) bool {
	ep, ok := payload.(*contracts.ErrorPayload)
	return ok && ep.IsCancellation()
}
