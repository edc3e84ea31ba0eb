package mmate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type getQuote struct {
	Symbol string
}

func (getQuote) MessageType() string { return "Quotes.Get" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T, cfg *config.Config, opts ...ClientOption) *Client {
	t.Helper()

	opts = append([]ClientOption{WithConfig(cfg), WithLogger(quietLogger())}, opts...)
	client, err := NewClient(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Close(context.Background()))
	})
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("answers requests end to end", func(t *testing.T) {
		client := newClient(t, config.Default(), WithServiceName("quotes"))

		_, err := client.Subscribe("Quotes.Get", messaging.HandleFunc(
			func(ctx context.Context, hc *messaging.HandlerContext, q getQuote) error {
				assert.Equal(t, "quotes", hc.Message().Metadata.SentBy)
				return hc.Reply(ctx, q.Symbol+"=42")
			}))
		require.NoError(t, err)

		result, err := client.SendWithReply(context.Background(), getQuote{Symbol: "ACME"})
		require.NoError(t, err)
		assert.Equal(t, "ACME=42", result)
		assert.Equal(t, "quotes", client.Config().ServiceName)
	})

	t.Run("does not modify the caller's config", func(t *testing.T) {
		cfg := config.Default()
		newClient(t, cfg, WithServiceName("other"))
		assert.Equal(t, "mmate", cfg.ServiceName)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.ReplyTimeout = 0

		_, err := NewClient(WithConfig(cfg), WithLogger(quietLogger()))
		assert.ErrorContains(t, err, "replyTimeout")
	})

	t.Run("loads config from the environment", func(t *testing.T) {
		t.Setenv("MMATE_SERVICE_NAME", "from-env")

		client, err := NewClient(WithLogger(quietLogger()))
		require.NoError(t, err)
		defer client.Close(context.Background())

		assert.Equal(t, "from-env", client.Config().ServiceName)
	})

	t.Run("reports a missing config file", func(t *testing.T) {
		_, err := NewClient(WithConfigFile("/does/not/exist.yaml"), WithLogger(quietLogger()))
		assert.ErrorContains(t, err, "failed to load config")
	})

	t.Run("resolves names through a type registry", func(t *testing.T) {
		types := contracts.NewTypeRegistry()
		type ping struct{}
		require.NoError(t, types.Register("Ping", ping{}))

		client := newClient(t, config.Default(), WithTypeRegistry(types))
		done := make(chan string, 1)
		_, err := client.Subscribe("Ping", messaging.MessageHandlerFunc(
			func(ctx context.Context, hc *messaging.HandlerContext) error {
				done <- hc.Message().Type
				return nil
			}))
		require.NoError(t, err)

		require.NoError(t, client.Send(context.Background(), ping{}))
		select {
		case typ := <-done:
			assert.Equal(t, "Ping", typ)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	})
}

func TestClientTasks(t *testing.T) {
	t.Run("installs metrics and tracing when enabled", func(t *testing.T) {
		cfg := config.Default()
		cfg.Metrics.Enabled = true
		cfg.Tracing.Enabled = true

		reg := prometheus.NewRegistry()
		exporter := tracetest.NewInMemoryExporter()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		defer tp.Shutdown(context.Background())

		client := newClient(t, cfg, WithMetricsRegisterer(reg), WithTracerProvider(tp))

		done := make(chan struct{}, 1)
		_, err := client.Subscribe("Quotes.Get", messaging.MessageHandlerFunc(
			func(ctx context.Context, hc *messaging.HandlerContext) error {
				done <- struct{}{}
				return nil
			}))
		require.NoError(t, err)

		require.NoError(t, client.Publish(context.Background(), getQuote{Symbol: "ACME"}))
		<-done

		assert.Eventually(t, func() bool {
			return len(exporter.GetSpans()) >= 2
		}, 2*time.Second, 10*time.Millisecond)

		families, err := reg.Gather()
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, mf := range families {
			names[mf.GetName()] = true
		}
		assert.True(t, names["mmate_messages_total"])
		assert.True(t, names["mmate_bus_subscriptions"])
	})

	t.Run("second client on one registry fails instead of panicking", func(t *testing.T) {
		cfg := config.Default()
		cfg.Metrics.Enabled = true
		reg := prometheus.NewRegistry()

		newClient(t, cfg, WithMetricsRegisterer(reg))

		var (
			second *Client
			err    error
		)
		require.NotPanics(t, func() {
			second, err = NewClient(WithConfig(cfg), WithLogger(quietLogger()), WithMetricsRegisterer(reg))
		})
		assert.Nil(t, second)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	})

	t.Run("journals messages when enabled", func(t *testing.T) {
		cfg := config.Default()
		cfg.Journal.Enabled = true

		client := newClient(t, cfg)
		require.NotNil(t, client.Journal())

		_, err := client.Subscribe("Quotes.Get", messaging.HandleFunc(
			func(ctx context.Context, hc *messaging.HandlerContext, q getQuote) error {
				return hc.Reply(ctx, "ok")
			}))
		require.NoError(t, err)

		_, err = client.SendWithReply(context.Background(), getQuote{})
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return client.Journal().Stats().EntriesByType["Quotes.Get"] == 2
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("has no journal by default", func(t *testing.T) {
		client := newClient(t, config.Default())
		assert.Nil(t, client.Journal())
	})

	t.Run("retries failing handlers when configured", func(t *testing.T) {
		cfg := config.Default()
		cfg.Retry.MaxRetries = 2
		cfg.Retry.InitialInterval = time.Millisecond
		cfg.Retry.Multiplier = 1

		client := newClient(t, cfg)

		attempts := make(chan int, 3)
		n := 0
		_, err := client.Subscribe("Quotes.Get", messaging.MessageHandlerFunc(
			func(ctx context.Context, hc *messaging.HandlerContext) error {
				n++
				attempts <- n
				if n < 3 {
					return assert.AnError
				}
				return nil
			}))
		require.NoError(t, err)

		require.NoError(t, client.Send(context.Background(), getQuote{}))
		for want := 1; want <= 3; want++ {
			select {
			case got := <-attempts:
				assert.Equal(t, want, got)
			case <-time.After(2 * time.Second):
				t.Fatalf("attempt %d not made", want)
			}
		}
	})
}

func TestClientHealth(t *testing.T) {
	t.Run("registers bus checks", func(t *testing.T) {
		client := newClient(t, config.Default())

		report := client.Health().Check(context.Background())
		assert.Equal(t, health.StatusHealthy, report.Status)
		assert.Contains(t, report.Checks, "bus")
		assert.Contains(t, report.Checks, "error_rate")
		assert.Contains(t, report.Checks, "goroutines")
		assert.Equal(t, "mmate", report.Metadata["serviceName"])
	})

	t.Run("bus is unhealthy after Close", func(t *testing.T) {
		client, err := NewClient(WithConfig(config.Default()), WithLogger(quietLogger()))
		require.NoError(t, err)
		require.NoError(t, client.Close(context.Background()))
		require.NoError(t, client.Close(context.Background()))

		report := client.Health().Check(context.Background())
		assert.Equal(t, health.StatusUnhealthy, report.Checks["bus"].Status)
	})
}
