package interceptors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

// ErrRateLimited is returned by a rejecting RateLimitTask
var ErrRateLimited = errors.New("interceptors: rate limit exceeded")

// RateLimitTask keeps a token bucket per key, the message type by default.
// It waits for a token unless configured to reject.
type RateLimitTask struct {
	limit    rate.Limit
	burst    int
	reject   bool
	keyFn    func(*contracts.Envelope) string
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// RateLimitOption configures a RateLimitTask
type RateLimitOption func(*RateLimitTask)

// WithRejectWhenLimited fails with ErrRateLimited instead of waiting
func WithRejectWhenLimited() RateLimitOption {
	return func(t *RateLimitTask) {
		t.reject = true
	}
}

// WithRateLimitKey replaces the per message type bucket key
func WithRateLimitKey(fn func(*contracts.Envelope) string) RateLimitOption {
	return func(t *RateLimitTask) {
		t.keyFn = fn
	}
}

// NewRateLimitTask creates a task allowing perSecond messages per key with
// the given burst
func NewRateLimitTask(perSecond float64, burst int, opts ...RateLimitOption) *RateLimitTask {
	if burst < 1 {
		burst = 1
	}
	t := &RateLimitTask{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		keyFn:    func(env *contracts.Envelope) string { return env.Type },
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Invoke implements messaging.Task
func (t *RateLimitTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	key := t.keyFn(hc.Message())
	limiter := t.limiter(key)

	if t.reject {
		if !limiter.Allow() {
			return fmt.Errorf("%w: %s", ErrRateLimited, key)
		}
		return next(ctx)
	}

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", key, err)
	}
	return next(ctx)
}

// Name implements messaging.Task
func (t *RateLimitTask) Name() string {
	return "RateLimitTask"
}

func (t *RateLimitTask) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	return l
}
