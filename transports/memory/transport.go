// Package memory provides an in-process messaging.Transport.
//
// Envelopes join one FIFO queue per transport and a single goroutine hands
// them to the receiver in that order, so the code that sent an envelope
// always returns before any handler runs. Delayed envelopes are held by a
// timer and join the queue when due, unless the transport is closed first.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

// ErrClosed is returned when sending through a closed transport
var ErrClosed = errors.New("memory: transport is closed")

// Transport implements messaging.Transport inside one process
type Transport struct {
	logger *slog.Logger

	mu        sync.RWMutex
	onMessage messaging.DeliveryFunc
	queue     []delivery
	draining  bool
	scheduled map[*time.Timer]struct{}
	closed    bool
	wg        sync.WaitGroup

	sent      atomic.Int64
	published atomic.Int64
	delivered atomic.Int64
	completed atomic.Int64
}

type delivery struct {
	ctx      context.Context
	envelope *contracts.Envelope
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates an in-memory transport
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		logger:    slog.Default(),
		scheduled: make(map[*time.Timer]struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, envelope *contracts.Envelope, delay time.Duration) error {
	if err := t.deliver(ctx, envelope, delay); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, envelope *contracts.Envelope, delay time.Duration) error {
	if err := t.deliver(ctx, envelope, delay); err != nil {
		return err
	}
	t.published.Add(1)
	return nil
}

// OnMessage implements messaging.Transport
func (t *Transport) OnMessage(fn messaging.DeliveryFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// CompleteMessage implements messaging.Transport. Nothing is persisted, so
// completion is only counted.
func (t *Transport) CompleteMessage(ctx context.Context, messageID string) error {
	t.completed.Add(1)
	return nil
}

// deliver queues a private copy of envelope for the receiver. The delivery
// keeps ctx values but not its cancellation: the sender's context usually
// ends before the handler runs.
func (t *Transport) deliver(ctx context.Context, envelope *contracts.Envelope, delay time.Duration) error {
	d := delivery{ctx: context.WithoutCancel(ctx), envelope: envelope.Clone()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if delay <= 0 {
		t.enqueue(d)
		return nil
	}

	t.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.scheduled, timer)
		if !t.closed {
			t.enqueue(d)
		}
	})
	t.scheduled[timer] = struct{}{}

	t.logger.Debug("delivery scheduled",
		"messageId", d.envelope.Metadata.MessageID,
		"messageType", d.envelope.Type,
		"delay", delay,
	)
	return nil
}

// enqueue appends d and starts the drain goroutine when none is running.
// t.mu must be held.
func (t *Transport) enqueue(d delivery) {
	t.queue = append(t.queue, d)
	if t.draining {
		return
	}
	t.draining = true
	t.wg.Add(1)
	go t.drain()
}

// drain hands queued deliveries to the receiver one at a time and exits once
// the queue is empty
func (t *Transport) drain() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		d := t.queue[0]
		t.queue[0] = delivery{}
		t.queue = t.queue[1:]
		fn := t.onMessage
		t.mu.Unlock()

		t.run(fn, d)
	}
}

func (t *Transport) run(fn messaging.DeliveryFunc, d delivery) {
	if fn == nil {
		t.logger.Warn("no receiver registered, dropping message",
			"messageId", d.envelope.Metadata.MessageID,
			"messageType", d.envelope.Type,
		)
		return
	}

	t.delivered.Add(1)
	fn(d.ctx, d.envelope)
}

// Close cancels scheduled deliveries and waits for queued ones to be handed over
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	for timer := range t.scheduled {
		if timer.Stop() {
			t.wg.Done()
		}
		delete(t.scheduled, timer)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// Stats is a snapshot of the transport counters
type Stats struct {
	Sent      int64
	Published int64
	Delivered int64
	Completed int64
	Scheduled int
}

// Stats returns the current counters
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	scheduled := len(t.scheduled)
	t.mu.RUnlock()

	return Stats{
		Sent:      t.sent.Load(),
		Published: t.published.Load(),
		Delivered: t.delivered.Load(),
		Completed: t.completed.Load(),
		Scheduled: scheduled,
	}
}

var _ messaging.Transport = (*Transport)(nil)
