package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-bus/contracts"
)

const (
	DefaultReplyTimeout   = 60 * time.Second
	DefaultSweepInterval  = 30 * time.Second
	DefaultLateReplyGrace = time.Minute
)

// Bus routes messages between subscriptions through the outbound and inbound
// pipelines of its registered transports
type Bus struct {
	registry *SubscriptionRegistry
	pipeline *Pipeline
	replies  *replyTable
	types    *contracts.TypeRegistry
	logger   *slog.Logger

	serviceName    string
	errorType      string
	replyTimeout   time.Duration
	sweepInterval  time.Duration
	lateReplyGrace time.Duration

	transports       map[string]Transport
	routes           map[string]string
	defaultTransport string
	mu               sync.RWMutex

	lifecycle   sync.RWMutex
	closed      bool
	inflight    sync.WaitGroup
	stop        chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once

	dispatched      atomic.Int64
	dropped         atomic.Int64
	errorsPublished atomic.Int64
}

// BusOption configures the bus
type BusOption func(*Bus)

// WithBusLogger sets the logger
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithServiceName stamps outbound envelopes with SentBy
func WithServiceName(name string) BusOption {
	return func(b *Bus) {
		b.serviceName = name
	}
}

// WithReplyTimeout sets the default send-with-reply timeout
func WithReplyTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) {
		b.replyTimeout = timeout
	}
}

// WithSweepInterval sets how often timed-out reply entries are swept
func WithSweepInterval(interval time.Duration) BusOption {
	return func(b *Bus) {
		b.sweepInterval = interval
	}
}

// WithLateReplyGrace sets how long a timed-out entry waits for its late reply
func WithLateReplyGrace(grace time.Duration) BusOption {
	return func(b *Bus) {
		b.lateReplyGrace = grace
	}
}

// WithErrorMessageType overrides the type system errors are published under
func WithErrorMessageType(messageType string) BusOption {
	return func(b *Bus) {
		b.errorType = messageType
	}
}

// WithTypeRegistry resolves message types of plain payload values
func WithTypeRegistry(types *contracts.TypeRegistry) BusOption {
	return func(b *Bus) {
		b.types = types
	}
}

// NewBus creates a bus and starts its reply janitor. Close releases it.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		registry:       NewSubscriptionRegistry(),
		pipeline:       NewPipeline(),
		replies:        newReplyTable(),
		types:          contracts.NewTypeRegistry(),
		logger:         slog.Default(),
		errorType:      contracts.SystemErrorType,
		replyTimeout:   DefaultReplyTimeout,
		sweepInterval:  DefaultSweepInterval,
		lateReplyGrace: DefaultLateReplyGrace,
		transports:     make(map[string]Transport),
		routes:         make(map[string]string),
		stop:           make(chan struct{}),
		janitorDone:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(b)
	}
	if b.replyTimeout <= 0 {
		b.replyTimeout = DefaultReplyTimeout
	}
	if b.sweepInterval <= 0 {
		b.sweepInterval = DefaultSweepInterval
	}

	go b.janitor()
	return b
}

// Subscribe registers handler for filter and returns the subscription ID.
// filter is an exact message type or a one-sided wildcard ("prefix*", "*suffix").
func (b *Bus) Subscribe(filter string, handler MessageHandler, options ...SubscribeOption) (string, error) {
	sub, err := b.registry.Add(filter, handler, options...)
	if err != nil {
		return "", err
	}
	b.logger.Debug("subscribed",
		"subscriptionId", sub.ID,
		"filter", filter,
		"policy", sub.Options.CancellationPolicy.String(),
	)
	return sub.ID, nil
}

// Unsubscribe removes a subscription. It takes effect for every delivery
// that arrives after it returns.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	if _, err := b.registry.Remove(subscriptionID); err != nil {
		return err
	}
	b.logger.Debug("unsubscribed", "subscriptionId", subscriptionID)
	return nil
}

// Subscriptions returns a snapshot of the registered subscriptions
func (b *Bus) Subscriptions() []*Subscription {
	return b.registry.Snapshot()
}

// Types returns the registry used to name plain payload values
func (b *Bus) Types() *contracts.TypeRegistry {
	return b.types
}

// RegisterTransport attaches a transport under name. The first transport
// registered becomes the default; messageTypes are routed to this one.
func (b *Bus) RegisterTransport(name string, transport Transport, messageTypes ...string) error {
	if transport == nil {
		return ErrInvalidTransport
	}

	b.mu.Lock()
	if _, exists := b.transports[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransportExists, name)
	}
	b.transports[name] = transport
	if b.defaultTransport == "" {
		b.defaultTransport = name
	}
	for _, messageType := range messageTypes {
		b.routes[messageType] = name
	}
	b.mu.Unlock()

	transport.OnMessage(func(ctx context.Context, envelope *contracts.Envelope) {
		b.onMessage(ctx, name, envelope)
	})

	b.logger.Info("transport registered", "transport", name, "messageTypes", messageTypes)
	return nil
}

// Route sends messageType through the named transport
func (b *Bus) Route(messageType, transportName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.transports[transportName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransport, transportName)
	}
	b.routes[messageType] = transportName
	return nil
}

// UseTasks appends tasks to stage for every transport, including ones
// registered later
func (b *Bus) UseTasks(stage Stage, tasks ...Task) {
	b.pipeline.Use(stage, tasks...)
}

// UseTransportTasks appends tasks to stage for one transport
func (b *Bus) UseTransportTasks(transportName string, stage Stage, tasks ...Task) {
	b.pipeline.UseFor(transportName, stage, tasks...)
}

// Publish dispatches an event to every matching subscription. It returns once
// the transport accepted the envelope; handlers run later.
func (b *Bus) Publish(ctx context.Context, msg any, options ...SendOption) error {
	return b.send(ctx, nil, msg, contracts.IntentPublish, options)
}

// Send dispatches a command that must have exactly one subscription. A missing
// or ambiguous subscription is reported on the system error type, not here.
func (b *Bus) Send(ctx context.Context, msg any, options ...SendOption) error {
	return b.send(ctx, nil, msg, contracts.IntentSend, options)
}

// SendWithReply dispatches a command and blocks until its reply arrives, the
// timeout fires, or ctx is done
func (b *Bus) SendWithReply(ctx context.Context, msg any, options ...SendOption) (any, error) {
	return b.sendWithReply(ctx, nil, msg, options)
}

// SendWithReplyAs is SendWithReply with the reply payload asserted to R
func SendWithReplyAs[R any](ctx context.Context, b *Bus, msg any, options ...SendOption) (R, error) {
	var zero R
	value, err := b.SendWithReply(ctx, msg, options...)
	if err != nil {
		return zero, err
	}
	reply, err := payloadAs[R](value)
	if err != nil {
		return zero, fmt.Errorf("reply: %w", err)
	}
	return reply, nil
}

func (b *Bus) send(ctx context.Context, parent *HandlerContext, msg any, intent contracts.Intent, options []SendOption) error {
	envelope, err := b.normalize(msg)
	if err != nil {
		return err
	}
	applySendOptions(envelope, buildSendOptions(options))
	return b.dispatch(ctx, parent, envelope, intent)
}

func (b *Bus) sendWithReply(ctx context.Context, parent *HandlerContext, msg any, options []SendOption) (any, error) {
	if b.isClosed() {
		return nil, ErrBusClosed
	}
	envelope, err := b.normalize(msg)
	if err != nil {
		return nil, err
	}
	opts := buildSendOptions(options)
	applySendOptions(envelope, opts)
	b.stamp(envelope, contracts.IntentSendReply, parentEnvelope(parent))

	transportName, _, err := b.transportFor(envelope.Type)
	if err != nil {
		return nil, err
	}
	b.routeReplies(envelope.Type, transportName)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.replyTimeout
	}
	messageID := envelope.Metadata.MessageID
	pending, err := b.replies.register(messageID, envelope.Type, timeout, opts.CancellationToken)
	if err != nil {
		return nil, err
	}

	if err := b.dispatch(ctx, parent, envelope, contracts.IntentSendReply); err != nil {
		b.replies.abandon(messageID)
		return nil, err
	}

	select {
	case result := <-pending.result:
		return result.value, result.err
	case <-ctx.Done():
		b.replies.abandon(messageID)
		return nil, &ReplyHandlerCancelledError{MessageType: envelope.Type, Err: ctx.Err()}
	}
}

// routeReplies makes requestType.reply travel over the request's transport,
// unless a route for it already exists
func (b *Bus) routeReplies(requestType, transportName string) {
	replyType := contracts.ReplyType(requestType)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.routes[replyType]; !ok {
		b.routes[replyType] = transportName
	}
}

// dispatch stamps the envelope and runs it through the outbound pipeline of
// its transport. The terminal task hands it to the transport.
func (b *Bus) dispatch(ctx context.Context, parent *HandlerContext, envelope *contracts.Envelope, intent contracts.Intent) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	parentEnv := parentEnvelope(parent)
	b.stamp(envelope, intent, parentEnv)

	transportName, transport, err := b.transportFor(envelope.Type)
	if err != nil {
		return err
	}

	hc := newHandlerContext(b, envelope, parentEnv, nil, transportName)
	return execute(ctx, hc, b.pipeline.Outbound(transportName), func(ctx context.Context, hc *HandlerContext) error {
		msg := hc.Message()
		delay := msg.Delay(time.Now())
		if msg.Metadata.Intent == contracts.IntentPublish {
			return transport.Publish(ctx, msg, delay)
		}
		return transport.Send(ctx, msg, delay)
	})
}

func (b *Bus) transportFor(messageType string) (string, Transport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	name, ok := b.routes[messageType]
	if !ok {
		name = b.defaultTransport
	}
	if name == "" {
		return "", nil, ErrNoTransport
	}
	transport, ok := b.transports[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTransport, name)
	}
	return name, transport, nil
}

func (b *Bus) transportByName(name string) (Transport, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.transports[name]
	return t, ok
}

// normalize turns msg into an envelope the bus owns
func (b *Bus) normalize(msg any) (*contracts.Envelope, error) {
	switch m := msg.(type) {
	case *contracts.Envelope:
		if m == nil || m.Type == "" {
			return nil, ErrUnknownMessageType
		}
		return m.Clone(), nil
	case contracts.Envelope:
		if m.Type == "" {
			return nil, ErrUnknownMessageType
		}
		return m.Clone(), nil
	case contracts.Named:
		return contracts.NewEnvelope(m.MessageType(), m), nil
	}

	if msg != nil {
		if name, ok := b.types.NameOf(msg); ok {
			return contracts.NewEnvelope(name, msg), nil
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
}

// stamp fills routing metadata that is still empty. Messages sent from a
// handler inherit the correlation and conversation of the message being handled.
func (b *Bus) stamp(envelope *contracts.Envelope, intent contracts.Intent, parent *contracts.Envelope) {
	md := &envelope.Metadata
	md.Intent = intent
	if md.MessageID == "" {
		md.MessageID = uuid.New().String()
	}
	if md.SentBy == "" {
		md.SentBy = b.serviceName
	}

	if parent != nil {
		if md.CorrelationID == "" {
			md.CorrelationID = parent.Metadata.CorrelationID
			if md.CorrelationID == "" {
				md.CorrelationID = parent.Metadata.MessageID
			}
		}
		if md.ConversationID == "" {
			md.ConversationID = parent.Metadata.ConversationID
		}
	}
	if md.ConversationID == "" {
		md.ConversationID = md.MessageID
	}
}

func applySendOptions(envelope *contracts.Envelope, opts SendOptions) {
	if until := opts.delayUntil(time.Now()); !until.IsZero() {
		envelope.Metadata.DelayUntil = until
	}
	if opts.CorrelationID != "" {
		envelope.Metadata.CorrelationID = opts.CorrelationID
	}
	for key, value := range opts.Metadata {
		envelope.Metadata.Set(key, value)
	}
}

func parentEnvelope(parent *HandlerContext) *contracts.Envelope {
	if parent == nil {
		return nil
	}
	return parent.Message()
}

func (b *Bus) isClosed() bool {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	return b.closed
}

// track reserves n in-flight dispatches, false once the bus is closed
func (b *Bus) track(n int) bool {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	if b.closed {
		return false
	}
	b.inflight.Add(n)
	return true
}

func (b *Bus) janitor() {
	defer close(b.janitorDone)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			if removed := b.replies.sweep(now, b.lateReplyGrace); removed > 0 {
				b.logger.Debug("swept timed-out replies", "count", removed)
			}
		}
	}
}

// Close stops accepting messages, rejects pending replies with ErrBusClosed
// and waits for in-flight handlers until ctx is done
func (b *Bus) Close(ctx context.Context) error {
	first := false
	b.closeOnce.Do(func() {
		first = true

		b.lifecycle.Lock()
		b.closed = true
		b.lifecycle.Unlock()

		close(b.stop)
		<-b.janitorDone
		b.replies.closeAll(ErrBusClosed)
	})
	if !first {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bus closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight handlers: %w", ctx.Err())
	}
}

// Stats is a point-in-time view of the bus
type Stats struct {
	Subscriptions   int   `json:"subscriptions"`
	PendingReplies  int   `json:"pendingReplies"`
	Transports      int   `json:"transports"`
	Dispatched      int64 `json:"dispatched"`
	Dropped         int64 `json:"dropped"`
	ErrorsPublished int64 `json:"errorsPublished"`
	Closed          bool  `json:"closed"`
}

// Stats returns current counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	transports := len(b.transports)
	b.mu.RUnlock()

	return Stats{
		Subscriptions:   b.registry.Len(),
		PendingReplies:  b.replies.len(),
		Transports:      transports,
		Dispatched:      b.dispatched.Load(),
		Dropped:         b.dropped.Load(),
		ErrorsPublished: b.errorsPublished.Load(),
		Closed:          b.isClosed(),
	}
}
