package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/shopfront/eventbus"
	"github.com/shopfront/eventbus/health"
	"github.com/shopfront/eventbus/interceptors"
	"github.com/shopfront/eventbus/metrics"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	url        string
	service    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:          "busctl",
		Short:        "Publish, consume and serve storefront events",
		Version:      fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "broker URL, overrides config and environment")
	rootCmd.PersistentFlags().StringVar(&flags.service, "service", "", "service name reported to the broker")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newPublishCmd(flags),
		newSendCmd(flags),
		newListenCmd(flags),
		newRequestCmd(flags),
		newServeCmd(flags),
	)
	return rootCmd
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var correlationID string
	cmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> <json>",
		Short: "Publish a persistent event to a topic exchange",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := jsonArg(args[2])
			if err != nil {
				return err
			}
			client, _, err := newClient(flags, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var opts []eventbus.PublishOption
			if correlationID != "" {
				opts = append(opts, eventbus.WithCorrelationID(correlationID))
			}
			return client.Publish(cmd.Context(), args[0], args[1], payload, opts...)
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id to attach")
	return cmd
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <queue> <json>",
		Short: "Send a message directly to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := jsonArg(args[1])
			if err != nil {
				return err
			}
			client, _, err := newClient(flags, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.PublishToQueue(cmd.Context(), args[0], payload)
		},
	}
}

func newListenCmd(flags *globalFlags) *cobra.Command {
	var queue string
	var durable, skipRedelivered bool
	cmd := &cobra.Command{
		Use:   "listen <exchange> <routing-key>",
		Short: "Print events matching a routing key pattern until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, _, err := newClient(flags, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			out := json.NewEncoder(cmd.OutOrStdout())
			handler := interceptors.Chain(func(_ context.Context, msg *eventbus.Message) error {
				return out.Encode(map[string]any{
					"routingKey":    msg.RoutingKey,
					"correlationId": msg.CorrelationID,
					"redelivered":   msg.Redelivered,
					"payload":       msg.Payload,
				})
			}, listenInterceptors(slog.Default(), skipRedelivered)...)

			name, err := client.Subscribe(ctx, args[0], queue, args[1], handler, eventbus.SubscribeOptions{Temporary: !durable})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s, press Ctrl+C to stop\n", name)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue name, generated when empty")
	cmd.Flags().BoolVar(&durable, "durable", false, "declare a durable queue instead of a temporary one")
	cmd.Flags().BoolVar(&skipRedelivered, "skip-redelivered", false, "ack messages that fail again after redelivery instead of requeueing them")
	return cmd
}

// listenInterceptors wraps the listen handler. Failed messages are requeued
// unless skipRedelivered is set.
func listenInterceptors(logger *slog.Logger, skipRedelivered bool) []interceptors.Interceptor {
	chain := []interceptors.Interceptor{interceptors.Logging(logger)}
	if skipRedelivered {
		chain = append(chain, interceptors.SkipRedelivered(logger))
	}
	return chain
}

func newRequestCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request <exchange> <routing-key> <json>",
		Short: "Publish a request and print the first reply",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := jsonArg(args[2])
			if err != nil {
				return err
			}
			client, _, err := newClient(flags, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reply, err := client.Request(ctx, args[0], args[1], payload)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(reply.Payload)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "how long to wait for a reply")
	return cmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold a broker connection and expose /metrics and /healthz",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var collector *metrics.Collector
			client, cfg, err := newClient(flags, func(cfg eventbus.Config) []eventbus.ClientOption {
				collector = metrics.NewCollector(cfg.ServiceName)
				return []eventbus.ClientOption{eventbus.WithMetrics(collector)}
			})
			if err != nil {
				return err
			}
			defer client.Close()

			if addr == "" {
				addr = cfg.MetricsAddr
			}
			if addr == "" {
				return errors.New("no listen address: set --addr or metrics_addr")
			}

			checks := health.NewRegistry()
			checks.Register(health.NewBrokerChecker(client))
			checks.Register(health.NewMemoryChecker(500, 1000))

			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			mux.Handle("/healthz", health.Handler(checks, 5*time.Second))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			if err := client.Connect(ctx); err != nil {
				slog.Warn("initial connection failed", "error", err)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			slog.Info("serving", "addr", addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, defaults to metrics_addr")
	return cmd
}

func newClient(flags *globalFlags, extra func(eventbus.Config) []eventbus.ClientOption) (*eventbus.Client, eventbus.Config, error) {
	cfg, err := eventbus.LoadConfig(flags.configPath)
	if err != nil {
		return nil, cfg, err
	}
	if flags.url != "" {
		cfg.URL = flags.url
	}
	if flags.service != "" {
		cfg.ServiceName = flags.service
	}

	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opts := []eventbus.ClientOption{
		eventbus.WithLogger(logger),
		eventbus.WithTracer(otel.Tracer("busctl")),
	}
	if extra != nil {
		opts = append(opts, extra(cfg)...)
	}

	client, err := eventbus.NewClient(cfg, opts...)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to create client: %w", err)
	}
	return client, cfg, nil
}

func jsonArg(s string) (json.RawMessage, error) {
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", s)
	}
	return json.RawMessage(s), nil
}
