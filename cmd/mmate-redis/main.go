package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-redis"
	"github.com/glimte/mmate-redis/config"
	"github.com/glimte/mmate-redis/contracts"
	"github.com/glimte/mmate-redis/health"
	"github.com/glimte/mmate-redis/internal/reliability"
	"github.com/glimte/mmate-redis/messaging"
	"github.com/glimte/mmate-redis/monitor"
	"github.com/glimte/mmate-redis/serialization"
	redistransport "github.com/glimte/mmate-redis/transports/redis"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	url        string
}

// load resolves config, letting --url win over file and environment
func (g *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.url != "" {
		cfg.Redis.URL = g.url
	}
	return cfg, nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "mmate-redis",
		Short: "Publish and listen to typed messages over Redis pub/sub",
		Long: `mmate-redis is a CLI for the mmate-redis messaging runtime.
It publishes framed messages, prints traffic on channels and shows backend channel activity.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&opts.url, "url", "u", "", "Redis connection URL (overrides config)")

	rootCmd.AddCommand(
		newPublishCmd(opts),
		newListenCmd(opts),
		newChannelsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newPublishCmd(opts *globalOptions) *cobra.Command {
	var (
		channel string
		typeID  string
		data    string
		retries int
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a JSON message",
		Long:  "Publish a JSON payload on a channel, tagged with the given type id and encoded with the JSON codec.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return errors.New("--data is not valid JSON")
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := cfg.Logger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := mmate.NewRedisClient(cfg.Redis.URL, append(cfg.ClientOptions(), mmate.WithLogger(logger))...)
			if err != nil {
				return err
			}
			defer client.Close()

			codec := serialization.Compressed(serialization.JSON[json.RawMessage](), cfg.Compression())
			if err := serialization.RegisterType[json.RawMessage](client.Codecs(), typeID, codec); err != nil {
				return err
			}

			err = withRetries(ctx, retries, func() error {
				return client.Connect(ctx)
			})
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			err = withRetries(ctx, retries, func() error {
				err := client.Publish(ctx, channel, json.RawMessage(data))
				if err != nil && !errors.Is(err, messaging.ErrNotConnected) {
					return reliability.RetryableError{Err: err, Retryable: false}
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", typeID, channel)
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Channel to publish on")
	cmd.Flags().StringVarP(&typeID, "type", "t", "", "Type id of the message")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().IntVarP(&retries, "retries", "r", 0, "Retry attempts on connection failures")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

// withRetries runs fn once, or under exponential backoff when retries > 0
func withRetries(ctx context.Context, retries int, fn func() error) error {
	if retries <= 0 {
		return fn()
	}
	return reliability.Retry(ctx, reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, retries), fn)
}

func newListenCmd(opts *globalOptions) *cobra.Command {
	var (
		channels []string
		typeID   string
		httpAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every message on channels",
		Long:  "Subscribe to channels and print each envelope until interrupted. Optionally serve /metrics, /healthz, /readyz and /livez.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := cfg.Logger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			clientOpts := append(cfg.ClientOptions(),
				mmate.WithLogger(logger),
				mmate.WithMetrics(monitor.NewPrometheusCollector(reg, cfg.Metrics.Namespace)),
				mmate.WithErrorHandler(func(err error) {
					logger.Warn("delivery problem", "error", err)
				}),
			)
			client, err := mmate.NewRedisClient(cfg.Redis.URL, clientOpts...)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			for _, channel := range channels {
				if _, err := client.SubscribeRaw(ctx, channel, printEnvelope(out, channel, typeID)); err != nil {
					return err
				}
			}

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			logger.Info("listening", "channels", channels, "url", cfg.Redis.URL)

			if httpAddr != "" {
				server := &http.Server{
					Addr:              httpAddr,
					Handler:           newHTTPHandler(client, reg, logger),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "addr", httpAddr, "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&channels, "channel", nil, "Channel to listen on (repeatable)")
	cmd.Flags().StringVarP(&typeID, "type", "t", "", "Only print messages with this type id")
	cmd.Flags().StringVar(&httpAddr, "http", "", "Serve metrics and health on this address, e.g. :9090")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

// printEnvelope writes one line per envelope: channel, type id, payload
func printEnvelope(out io.Writer, channel, typeID string) messaging.RawHandler {
	return func(ctx context.Context, env contracts.Envelope) error {
		if typeID != "" && env.TypeID != typeID {
			return nil
		}
		payload := string(env.Payload)
		if !utf8.Valid(env.Payload) {
			payload = fmt.Sprintf("<%d bytes>", len(env.Payload))
		}
		_, err := fmt.Fprintf(out, "%s\t%s\t%s\n", channel, env.TypeID, payload)
		return err
	}
}

func newHTTPHandler(client *mmate.Client, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	registry.Register(health.NewConnectionChecker(client))
	registry.Register(health.NewSubscriptionChecker(client))
	registry.Register(health.NewMemoryChecker(1000, 10000))
	if transport, ok := client.Transport().(*redistransport.Transport); ok {
		registry.Register(health.NewPingChecker("redis", transport, 100*time.Millisecond))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second, logger))
	mux.Handle("/readyz", health.ReadinessHandler(registry))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func newChannelsCmd(opts *globalOptions) *cobra.Command {
	var (
		pattern  string
		interval time.Duration
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Show active channels and subscriber counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inspector, err := monitor.NewRedisInspector(cfg.Redis.URL)
			if err != nil {
				return err
			}
			defer inspector.Close()

			watcher := monitor.NewChannelWatcher(inspector, interval, cmd.OutOrStdout())
			if once {
				return watcher.Render(ctx, pattern)
			}

			err = watcher.WithClearScreen(true).Watch(ctx, pattern)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "*", "Channel glob pattern")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Refresh interval")
	cmd.Flags().BoolVar(&once, "once", false, "Print one snapshot and exit")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mmate-redis %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		},
	}
}
