package interceptors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-bus/messaging"
)

const defaultNamespace = "mmate"

// Outcome label values
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// MetricsTask records message counts and processing durations
type MetricsTask struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewMetricsTask registers its collectors with reg. An empty namespace
// defaults to "mmate". Registering twice with the same registry returns an
// error wrapping prometheus.AlreadyRegisteredError.
func NewMetricsTask(reg prometheus.Registerer, namespace string) (*MetricsTask, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}

	t := &MetricsTask{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of messages processed by type, direction and outcome",
		}, []string{"message_type", "direction", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Time spent in the remaining pipeline per message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message_type", "direction"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_in_flight",
			Help:      "Messages currently inside the pipeline",
		}, []string{"message_type", "direction"}),
	}
	if err := register(reg, t.messages, t.duration, t.inFlight); err != nil {
		return nil, err
	}
	return t, nil
}

// register adds every collector to reg, or none of them
func register(reg prometheus.Registerer, collectors ...prometheus.Collector) error {
	for i, c := range collectors {
		err := reg.Register(c)
		if err == nil {
			continue
		}
		for _, done := range collectors[:i] {
			reg.Unregister(done)
		}
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return fmt.Errorf("metrics already registered: %w", err)
		}
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	return nil
}

// Invoke implements messaging.Task
func (t *MetricsTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	messageType := hc.Message().Type
	if messageType == "" {
		messageType = "unknown"
	}
	dir := direction(hc)

	gauge := t.inFlight.WithLabelValues(messageType, dir)
	gauge.Inc()
	defer gauge.Dec()

	start := time.Now()
	err := next(ctx)
	t.duration.WithLabelValues(messageType, dir).Observe(time.Since(start).Seconds())

	outcome := OutcomeSuccess
	switch {
	case err != nil:
		outcome = OutcomeError
	case hc.WasCancelled():
		outcome = OutcomeCancelled
	}
	t.messages.WithLabelValues(messageType, dir, outcome).Inc()
	return err
}

// Name implements messaging.Task
func (t *MetricsTask) Name() string {
	return "MetricsTask"
}

// RegisterBusGauges exposes the bus counters as gauges read at scrape time
func RegisterBusGauges(reg prometheus.Registerer, namespace string, bus *messaging.Bus) error {
	if namespace == "" {
		namespace = defaultNamespace
	}

	var gauges []prometheus.Collector
	gauge := func(name, help string, value func(messaging.Stats) float64) {
		gauges = append(gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return value(bus.Stats())
		}))
	}

	gauge("subscriptions", "Active subscriptions", func(s messaging.Stats) float64 {
		return float64(s.Subscriptions)
	})
	gauge("pending_replies", "Requests waiting for a reply", func(s messaging.Stats) float64 {
		return float64(s.PendingReplies)
	})
	gauge("dispatched", "Handler invocations since start", func(s messaging.Stats) float64 {
		return float64(s.Dispatched)
	})
	gauge("dropped", "Deliveries skipped by cancellation policies since start", func(s messaging.Stats) float64 {
		return float64(s.Dropped)
	})
	gauge("errors_published", "System errors published since start", func(s messaging.Stats) float64 {
		return float64(s.ErrorsPublished)
	})

	return register(reg, gauges...)
}
