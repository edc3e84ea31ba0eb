package messaging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Wildcard marks a one-sided wildcard filter ("prefix*" or "*suffix")
const Wildcard = "*"

// Subscription represents a registered interest in a message type
type Subscription struct {
	ID      string
	Filter  string
	Handler MessageHandler
	Options SubscriptionOptions

	mu         sync.Mutex
	processing bool
	active     *HandlerContext
}

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Identifier         string
	CancellationPolicy CancellationPolicy
}

// SubscribeOption configures a subscription
type SubscribeOption func(*SubscriptionOptions)

// WithIdentifier names the subscriber. The name is stamped on received
// envelopes as ReceivedBy.
func WithIdentifier(identifier string) SubscribeOption {
	return func(opts *SubscriptionOptions) {
		opts.Identifier = identifier
	}
}

// WithCancellationPolicy sets what happens to messages arriving while the
// subscription's handler is still running
func WithCancellationPolicy(policy CancellationPolicy) SubscribeOption {
	return func(opts *SubscriptionOptions) {
		opts.CancellationPolicy = policy
	}
}

// Name returns the identifier if set, otherwise the subscription ID
func (s *Subscription) Name() string {
	if s.Options.Identifier != "" {
		return s.Options.Identifier
	}
	return s.ID
}

// IsProcessing reports whether an invocation of the handler is in flight
func (s *Subscription) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Matches reports whether the subscription receives published messageType
func (s *Subscription) Matches(messageType string) bool {
	if s.Filter == messageType {
		return true
	}
	if prefix, ok := strings.CutSuffix(s.Filter, Wildcard); ok && strings.HasPrefix(messageType, prefix) {
		return true
	}
	if suffix, ok := strings.CutPrefix(s.Filter, Wildcard); ok && strings.HasSuffix(messageType, suffix) {
		return true
	}
	return false
}

// SubscriptionRegistry is an ordered collection of subscriptions. All reads
// work on snapshots so handlers may subscribe and unsubscribe while a
// dispatch is in progress.
type SubscriptionRegistry struct {
	subscriptions []*Subscription
	mu            sync.RWMutex
}

// NewSubscriptionRegistry creates an empty registry
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{}
}

// Add registers handler for filter and returns the new subscription
func (r *SubscriptionRegistry) Add(filter string, handler MessageHandler, options ...SubscribeOption) (*Subscription, error) {
	if f := strings.TrimSpace(filter); f == "" || f == Wildcard {
		return nil, ErrInvalidFilter
	}
	if handler == nil {
		return nil, ErrInvalidHandler
	}

	var opts SubscriptionOptions
	for _, opt := range options {
		opt(&opts)
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		Filter:  filter,
		Handler: handler,
		Options: opts,
	}

	r.mu.Lock()
	r.subscriptions = append(r.subscriptions, sub)
	r.mu.Unlock()

	return sub, nil
}

// Remove deletes the subscription with the given ID
func (r *SubscriptionRegistry) Remove(id string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subscriptions {
		if sub.ID == id {
			// Copy instead of shifting in place: snapshots taken before this
			// call may still share the old backing array.
			next := make([]*Subscription, 0, len(r.subscriptions)-1)
			next = append(next, r.subscriptions[:i]...)
			next = append(next, r.subscriptions[i+1:]...)
			r.subscriptions = next
			return sub, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
}

// Snapshot returns the current subscriptions in registration order
func (r *SubscriptionRegistry) Snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Subscription, len(r.subscriptions))
	copy(result, r.subscriptions)
	return result
}

// Len returns the number of subscriptions
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// MatchForSend returns subscriptions whose filter equals messageType exactly
func (r *SubscriptionRegistry) MatchForSend(messageType string) []*Subscription {
	return matchForSend(r.Snapshot(), messageType)
}

// MatchForPublish returns subscriptions matching messageType exactly or by
// one-sided wildcard
func (r *SubscriptionRegistry) MatchForPublish(messageType string) []*Subscription {
	return matchForPublish(r.Snapshot(), messageType)
}

func matchForSend(subscriptions []*Subscription, messageType string) []*Subscription {
	var matched []*Subscription
	for _, sub := range subscriptions {
		if sub.Filter == messageType {
			matched = append(matched, sub)
		}
	}
	return matched
}

func matchForPublish(subscriptions []*Subscription, messageType string) []*Subscription {
	var matched []*Subscription
	for _, sub := range subscriptions {
		if sub.Matches(messageType) {
			matched = append(matched, sub)
		}
	}
	return matched
}
