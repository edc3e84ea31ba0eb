package interceptors

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

const (
	tracerName = "github.com/glimte/mmate-bus"

	// traceKeyPrefix namespaces propagation fields inside Metadata.Extra
	traceKeyPrefix = "otel."
)

// MetadataCarrier adapts envelope metadata to propagation.TextMapCarrier
type MetadataCarrier struct {
	Metadata *contracts.Metadata
}

// Get implements propagation.TextMapCarrier
func (c MetadataCarrier) Get(key string) string {
	v, _ := c.Metadata.GetString(traceKeyPrefix + key)
	return v
}

// Set implements propagation.TextMapCarrier
func (c MetadataCarrier) Set(key, value string) {
	c.Metadata.Set(traceKeyPrefix+key, value)
}

// Keys implements propagation.TextMapCarrier
func (c MetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Metadata.Extra))
	for k := range c.Metadata.Extra {
		if strings.HasPrefix(k, traceKeyPrefix) {
			keys = append(keys, strings.TrimPrefix(k, traceKeyPrefix))
		}
	}
	return keys
}

// TracingTask starts a producer span on the outbound path and injects its
// context into the message metadata; on the inbound path it extracts that
// context and starts a consumer span around the handler.
type TracingTask struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// TracingOption configures a TracingTask
type TracingOption func(*TracingTask)

// WithTracerProvider sets the provider spans are created from
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(t *TracingTask) {
		t.tracer = tp.Tracer(tracerName)
	}
}

// WithPropagator sets the propagator used to carry span context in metadata
func WithPropagator(p propagation.TextMapPropagator) TracingOption {
	return func(t *TracingTask) {
		t.propagator = p
	}
}

// NewTracingTask creates a tracing task using the global tracer provider and
// W3C trace context propagation unless overridden
func NewTracingTask(opts ...TracingOption) *TracingTask {
	t := &TracingTask{
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Invoke implements messaging.Task
func (t *TracingTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	msg := hc.Message()
	carrier := MetadataCarrier{Metadata: &msg.Metadata}

	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "mmate"),
		attribute.String("messaging.destination.name", msg.Type),
		attribute.String("messaging.message.id", msg.Metadata.MessageID),
		attribute.String("messaging.message.conversation_id", msg.Metadata.ConversationID),
		attribute.String("mmate.intent", string(msg.Metadata.Intent)),
	}
	if msg.Metadata.CorrelationID != "" {
		attrs = append(attrs, attribute.String("mmate.correlation_id", msg.Metadata.CorrelationID))
	}

	var span trace.Span
	if direction(hc) == directionOutbound {
		ctx, span = t.tracer.Start(ctx, "send "+msg.Type,
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(attrs...),
		)
		t.propagator.Inject(ctx, carrier)
	} else {
		ctx = t.propagator.Extract(ctx, carrier)
		ctx, span = t.tracer.Start(ctx, "process "+msg.Type,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(append(attrs,
				attribute.String("mmate.subscription_id", hc.SubscriptionID()),
			)...),
		)
	}
	defer span.End()

	err := next(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if hc.WasCancelled() {
		span.SetAttributes(attribute.Bool("mmate.cancelled", true))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Name implements messaging.Task
func (t *TracingTask) Name() string {
	return "TracingTask"
}
