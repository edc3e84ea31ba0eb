package messaging

import "time"

// SendOptions configures a single publish, send, or send-with-reply call
type SendOptions struct {
	Delay             time.Duration
	DelayUntil        time.Time
	CorrelationID     string
	Metadata          map[string]any
	Timeout           time.Duration
	CancellationToken *CancellationToken
}

// SendOption configures a publish, send, or send-with-reply call
type SendOption func(*SendOptions)

// WithDelay postpones delivery by d
func WithDelay(d time.Duration) SendOption {
	return func(opts *SendOptions) {
		opts.Delay = d
	}
}

// WithDelayUntil postpones delivery until t
func WithDelayUntil(t time.Time) SendOption {
	return func(opts *SendOptions) {
		opts.DelayUntil = t
	}
}

// WithCorrelationID overrides the correlation ID
func WithCorrelationID(id string) SendOption {
	return func(opts *SendOptions) {
		opts.CorrelationID = id
	}
}

// WithMetadata adds a pipeline-visible metadata field
func WithMetadata(key string, value any) SendOption {
	return func(opts *SendOptions) {
		if opts.Metadata == nil {
			opts.Metadata = make(map[string]any)
		}
		opts.Metadata[key] = value
	}
}

// WithTimeout overrides the bus reply timeout for one request
func WithTimeout(timeout time.Duration) SendOption {
	return func(opts *SendOptions) {
		opts.Timeout = timeout
	}
}

// WithCancellationToken attaches a token checked when the reply arrives
func WithCancellationToken(token *CancellationToken) SendOption {
	return func(opts *SendOptions) {
		opts.CancellationToken = token
	}
}

func buildSendOptions(options []SendOption) SendOptions {
	var opts SendOptions
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// delayUntil resolves the absolute delivery time, zero for immediate delivery
func (o SendOptions) delayUntil(now time.Time) time.Time {
	if !o.DelayUntil.IsZero() {
		return o.DelayUntil
	}
	if o.Delay > 0 {
		return now.Add(o.Delay)
	}
	return time.Time{}
}
