// Package interceptors provides ready-made pipeline tasks for the message bus.
//
// Every type here implements messaging.Task and can be installed on any
// pipeline stage. Tasks tell the outbound path from the inbound one by
// whether the handler context carries a subscription.
//
// Built-in tasks:
//   - LoggingTask: logs each message with its duration
//   - MetricsTask: Prometheus counters, histograms and in-flight gauges
//   - TracingTask: OpenTelemetry producer and consumer spans, with the span
//     context carried in message metadata
//   - ValidationTask: rejects messages a MessageValidator refuses
//   - FilterTask: stops the chain for messages a MessageFilter rejects
//   - RateLimitTask: token bucket per message type
//   - TimeoutTask: bounds the context handed to the handler
//   - RetryTask: runs the rest of the chain again on failure
//   - CircuitBreakerTask: stops calling handlers of a failing message type
//   - JournalTask: records each message outcome in a journal.Journal
//
// Example usage:
//
//	metrics, err := interceptors.NewMetricsTask(prometheus.DefaultRegisterer, "")
//	if err != nil {
//		return err
//	}
//	interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithMetrics(metrics).
//		WithTimeout(30 * time.Second).
//		WithRetry(interceptors.DefaultRetryConfig()).
//		Install(bus, messaging.StageInvokeHandlers)
//
// Tasks run in the order they are added, with the handler called last.
package interceptors
