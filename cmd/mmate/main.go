package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mmate "github.com/glimte/mmate-bus"
	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/journal"
	"github.com/glimte/mmate-bus/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// echoType is answered by the responder every mmate process installs
const echoType = "Mmate.Echo"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mmate",
		Short:        "Run and inspect an in-process mmate bus",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	var configFile string
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (environment overrides use the MMATE_ prefix)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a bus and expose health, stats and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configFile, addr)
		},
	}
	serveCmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "HTTP listen address")

	var count int
	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure request/reply round trips through a fresh bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			elapsed, err := ping(cmd.Context(), cfg, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d round trips in %s (%s each)\n",
				count, elapsed.Round(time.Microsecond), (elapsed / time.Duration(count)).Round(time.Microsecond))
			return nil
		},
	}
	pingCmd.Flags().IntVarP(&count, "count", "n", 100, "Number of round trips")

	rootCmd.AddCommand(configCmd, serveCmd, pingCmd)
	return rootCmd
}

func serve(ctx context.Context, configFile, addr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = true
	cfg.Journal.Enabled = true

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := mmate.NewClient(mmate.WithConfig(cfg), mmate.WithMetricsRegisterer(reg))
	if err != nil {
		return err
	}
	defer client.Close(context.Background())

	if _, err := client.Subscribe(echoType, echoHandler()); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(client, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newRouter(client *mmate.Client, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/healthz", health.NewHandler(client.Health(), 5*time.Second))
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, client.Bus().Stats())
	})
	r.Post("/echo", func(w http.ResponseWriter, req *http.Request) {
		var body string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := client.SendWithReply(req.Context(), echoRequest{Text: body})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, result)
	})
	r.Route("/journal", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			limit := 100
			if v := req.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = n
			}
			writeJSON(w, journalOf(client).Recent(limit))
		})
		r.Get("/{messageID}", func(w http.ResponseWriter, req *http.Request) {
			entries := journalOf(client).ByMessageID(chi.URLParam(req, "messageID"))
			if len(entries) == 0 {
				http.NotFound(w, req)
				return
			}
			writeJSON(w, entries)
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// journalOf falls back to an empty journal so the routes work either way
func journalOf(client *mmate.Client) *journal.Journal {
	if j := client.Journal(); j != nil {
		return j
	}
	return journal.New()
}

type echoRequest struct {
	Text string
}

func (echoRequest) MessageType() string { return echoType }

func echoHandler() messaging.MessageHandler {
	return messaging.HandleFunc(func(ctx context.Context, hc *messaging.HandlerContext, req echoRequest) error {
		return hc.Reply(ctx, req.Text)
	})
}

func ping(ctx context.Context, cfg *config.Config, count int) (time.Duration, error) {
	if count < 1 {
		return 0, fmt.Errorf("count must be positive, got %d", count)
	}

	client, err := mmate.NewClient(mmate.WithConfig(cfg))
	if err != nil {
		return 0, err
	}
	defer client.Close(context.Background())

	if _, err := client.Subscribe(echoType, echoHandler()); err != nil {
		return 0, err
	}

	start := time.Now()
	for i := range count {
		text := fmt.Sprintf("ping %d", i)
		result, err := client.SendWithReply(ctx, echoRequest{Text: text})
		if err != nil {
			return 0, fmt.Errorf("round trip %d: %w", i, err)
		}
		if result != text {
			return 0, fmt.Errorf("round trip %d: got %v", i, result)
		}
	}
	return time.Since(start), nil
}
