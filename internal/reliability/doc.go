// Package reliability provides the retry policies and circuit breaker used by
// the retry and circuit breaker pipeline tasks.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := Retry(ctx, NewFixedDelay(100*time.Millisecond, 3), func(attempt int) error {
//	    return cb.Execute(ctx, handle)
//	})
package reliability
