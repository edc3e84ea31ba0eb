// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/journal"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/transports/memory"
)

// TransportName is the name the in-memory transport is registered under
const TransportName = "memory"

// Client provides the main entry point for mmate-bus: a configured bus on an
// in-memory transport with the default tasks and health checks installed
type Client struct {
	bus       *messaging.Bus
	transport *memory.Transport
	config    *config.Config
	logger    *slog.Logger
	health    *health.Registry
	errorRate *health.ErrorRateChecker
	journal   *journal.Journal
}

// NewClient creates a new client. Without WithConfig the configuration is
// loaded from WithConfigFile, if given, and the MMATE_ environment.
func NewClient(options ...ClientOption) (*Client, error) {
	opts := &clientConfig{}
	for _, opt := range options {
		opt(opts)
	}

	var cfg *config.Config
	if opts.config != nil {
		copied := *opts.config
		cfg = &copied
	} else {
		loaded, err := config.Load(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if opts.serviceName != "" {
		cfg.ServiceName = opts.serviceName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.logger
	if logger == nil {
		logger = cfg.NewLogger(os.Stderr)
	}

	transport := memory.NewTransport(memory.WithLogger(logger))
	busOpts := []messaging.BusOption{
		messaging.WithBusLogger(logger),
		messaging.WithServiceName(cfg.ServiceName),
		messaging.WithReplyTimeout(cfg.ReplyTimeout),
		messaging.WithSweepInterval(cfg.SweepInterval),
		messaging.WithLateReplyGrace(cfg.LateReplyGrace),
		messaging.WithErrorMessageType(cfg.ErrorMessageType),
	}
	if opts.types != nil {
		busOpts = append(busOpts, messaging.WithTypeRegistry(opts.types))
	}
	bus := messaging.NewBus(busOpts...)

	c := &Client{
		bus:       bus,
		transport: transport,
		config:    cfg,
		logger:    logger,
		health:    health.NewRegistry(),
	}

	if err := c.setup(opts); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	logger.Info("mmate client started",
		"serviceName", cfg.ServiceName,
		"transport", TransportName,
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Enabled,
		"journal", cfg.Journal.Enabled,
	)
	return c, nil
}

func (c *Client) setup(opts *clientConfig) error {
	cfg := c.config

	if err := c.bus.RegisterTransport(TransportName, c.transport); err != nil {
		return fmt.Errorf("failed to register transport: %w", err)
	}

	var outbound []messaging.Task
	inbound := interceptors.NewChainBuilder(c.logger)

	if cfg.Tracing.Enabled {
		var tracingOpts []interceptors.TracingOption
		if opts.tracerProvider != nil {
			tracingOpts = append(tracingOpts, interceptors.WithTracerProvider(opts.tracerProvider))
		}
		tracing := interceptors.NewTracingTask(tracingOpts...)
		outbound = append(outbound, tracing)
		inbound.WithTracing(tracing)
	}

	inbound.WithLogging()

	if cfg.Journal.Enabled {
		c.journal = journal.New(journal.WithMaxEntries(cfg.Journal.MaxEntries))
		outbound = append(outbound, interceptors.NewJournalTask(c.journal, c.logger))
		inbound.WithJournal(c.journal)
	}

	if cfg.Metrics.Enabled {
		reg := opts.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		metrics, err := interceptors.NewMetricsTask(reg, cfg.Metrics.Namespace)
		if err != nil {
			return err
		}
		if err := interceptors.RegisterBusGauges(reg, cfg.Metrics.Namespace, c.bus); err != nil {
			return err
		}
		outbound = append(outbound, metrics)
		inbound.WithMetrics(metrics)
	}

	if cfg.RateLimit.PerSecond > 0 {
		inbound.WithRateLimit(interceptors.NewRateLimitTask(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}

	if cfg.Retry.MaxRetries > 0 {
		inbound.WithRetry(interceptors.RetryConfig{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
		})
	}

	c.bus.UseTasks(messaging.StageOutboundLogical, outbound...)
	inbound.Install(c.bus, messaging.StageInvokeHandlers)

	errorRate, err := health.NewErrorRateChecker(c.bus, time.Minute, 10, 100)
	if err != nil {
		return err
	}
	c.errorRate = errorRate

	c.health.SetMetadata("serviceName", cfg.ServiceName)
	c.health.Register(health.NewBusChecker(c.bus, 1000))
	c.health.Register(errorRate)
	c.health.Register(health.NewGoroutineChecker(5000, 50000))
	return nil
}

// Bus returns the underlying bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Transport returns the in-memory transport
func (c *Client) Transport() *memory.Transport {
	return c.transport
}

// Config returns the configuration the client was built from
func (c *Client) Config() *config.Config {
	return c.config
}

// Health returns the health registry with the bus checks registered
func (c *Client) Health() *health.Registry {
	return c.health
}

// Journal returns the message journal, or nil when it is disabled
func (c *Client) Journal() *journal.Journal {
	return c.journal
}

// Subscribe registers handler for messages matching filter
func (c *Client) Subscribe(filter string, handler messaging.MessageHandler, options ...messaging.SubscribeOption) (string, error) {
	return c.bus.Subscribe(filter, handler, options...)
}

// Publish dispatches an event to every matching subscription
func (c *Client) Publish(ctx context.Context, msg any, options ...messaging.SendOption) error {
	return c.bus.Publish(ctx, msg, options...)
}

// Send dispatches a command to exactly one subscription
func (c *Client) Send(ctx context.Context, msg any, options ...messaging.SendOption) error {
	return c.bus.Send(ctx, msg, options...)
}

// SendWithReply dispatches a command and waits for its reply
func (c *Client) SendWithReply(ctx context.Context, msg any, options ...messaging.SendOption) (any, error) {
	return c.bus.SendWithReply(ctx, msg, options...)
}

// Close closes the bus, waiting for in-flight handlers, then the transport
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.errorRate != nil {
		if err := c.errorRate.Stop(); err != nil && !errors.Is(err, messaging.ErrSubscriptionNotFound) {
			errs = append(errs, err)
		}
	}
	if err := c.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close bus: %w", err))
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	config         *config.Config
	configFile     string
	logger         *slog.Logger
	serviceName    string
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	types          *contracts.TypeRegistry
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithConfig uses cfg instead of loading configuration
func WithConfig(cfg *config.Config) ClientOption {
	return func(c *clientConfig) {
		c.config = cfg
	}
}

// WithConfigFile loads configuration from a YAML file
func WithConfigFile(path string) ClientOption {
	return func(c *clientConfig) {
		c.configFile = path
	}
}

// WithLogger sets the logger instead of building one from the configuration
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithServiceName overrides the configured service name
func WithServiceName(name string) ClientOption {
	return func(c *clientConfig) {
		c.serviceName = name
	}
}

// WithMetricsRegisterer registers metrics with reg instead of the default
// registerer
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithTracerProvider creates spans from tp instead of the global provider
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *clientConfig) {
		c.tracerProvider = tp
	}
}

// WithTypeRegistry resolves message type names through types
func WithTypeRegistry(types *contracts.TypeRegistry) ClientOption {
	return func(c *clientConfig) {
		c.types = types
	}
}
