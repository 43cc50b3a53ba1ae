package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	broker "github.com/glimte/mmate-broker"
	"github.com/glimte/mmate-broker/config"
	"github.com/glimte/mmate-broker/contracts"
	"github.com/glimte/mmate-broker/health"
	"github.com/glimte/mmate-broker/internal/reliability"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries state shared by every subcommand.
type app struct {
	configPath  string
	metricsAddr string

	file    *config.File
	logger  *slog.Logger
	service *broker.Service
	health  *health.Registry
	ops     *http.Server
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "brokerctl",
		Short: "Publish, consume and inspect broker messages",
		Long: `brokerctl drives the broker client from the command line.
Connection settings come from a YAML file with publisher and subscriber sections.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:      true,
		PersistentPreRunE: a.open,
		PersistentPostRun: a.close,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "broker.yaml", "Broker configuration file")
	rootCmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /livez on this address (e.g. :9090)")

	rootCmd.AddCommand(
		a.publishCommand(),
		a.consumeCommand(),
		a.inspectCommand(),
	)
	return rootCmd
}

func (a *app) open(cmd *cobra.Command, args []string) error {
	f, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.file = f
	a.logger = f.Logger.NewLogger(os.Stderr)

	a.service, err = broker.NewServiceFromFile(f, broker.WithConnectionErrorHandler(func(event broker.ShutdownEvent) {
		a.logger.Warn("subscriber channel shut down", "resource", event.Resource, "code", event.Code, "reason", event.Reason)
	}))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	a.health = health.NewRegistry()
	a.health.Register(health.NewGoroutineChecker(1000, 10000))

	if a.metricsAddr != "" {
		a.ops = &http.Server{Addr: a.metricsAddr, Handler: a.opsHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("ops server failed", "error", err)
			}
		}()
	}
	return nil
}

func (a *app) opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(a.health, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func (a *app) close(cmd *cobra.Command, args []string) {
	if a.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.ops.Shutdown(ctx)
	}
	if a.service != nil {
		if err := a.service.Close(); err != nil {
			a.logger.Error("failed to close service", "error", err)
		}
	}
}

func (a *app) publishCommand() *cobra.Command {
	var (
		retries       int
		contentType   string
		correlationID string
	)

	cmd := &cobra.Command{
		Use:   "publish <topic> <body>",
		Short: "Publish one message and wait for the broker confirm",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := a.service.NewPublisher(a.file.Publisher)
			if err != nil {
				return err
			}

			msg := newEnvelope(args[0], args[1], contentType, correlationID)
			policy := reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2, retries)
			err = reliability.RetryNotify(cmd.Context(), policy, func() error {
				return pub.Publish(cmd.Context(), args[0], msg)
			}, func(attempt int, err error, next time.Duration) {
				a.logger.Warn("publish failed, retrying", "attempt", attempt, "error", err, "next", next)
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", msg.MessageID, args[0])
			return nil
		},
	}

	cmd.Flags().IntVarP(&retries, "retries", "r", 3, "Publish retries before giving up")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Content type of the body")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID")
	return cmd
}

func (a *app) consumeCommand() *cobra.Command {
	var (
		prefetch int
		reject   bool
	)

	cmd := &cobra.Command{
		Use:   "consume <queue> <topic> [topics...]",
		Short: "Consume from a queue and print every message",
		Long: `Declares the queue and its dead letter queue, binds the topics and prints
messages until interrupted. Messages are acknowledged after printing unless --reject is set.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sub, err := a.service.NewSubscriber(a.file.Subscriber)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			handler := func(ctx context.Context, msg *contracts.MessageEnvelope) error {
				fmt.Fprintln(out, formatEnvelope(msg))
				if reject {
					return sub.Reject(ctx, msg, false)
				}
				return sub.Acknowledge(ctx, msg)
			}

			if err := sub.Subscribe(ctx, args[1:], args[0], handler, prefetch); err != nil {
				return err
			}
			a.health.Register(health.NewQueueChecker(args[0], sub))
			a.logger.Info("consuming", "queue", args[0], "topics", args[1:])

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().IntVarP(&prefetch, "prefetch", "p", 10, "Unacknowledged messages per consumer")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject messages to the dead letter queue instead of acknowledging")
	return cmd
}

func (a *app) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <queue>",
		Short: "Check whether a queue exists without declaring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := a.service.NewSubscriber(a.file.Subscriber)
			if err != nil {
				return err
			}

			status, err := sub.InspectQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], status)
			return nil
		},
	}
}

func newEnvelope(topic, body, contentType, correlationID string) *contracts.MessageEnvelope {
	return &contracts.MessageEnvelope{
		MessageID:          uuid.NewString(),
		MessageDescription: topic,
		ContentType:        contentType,
		CorrelationID:      correlationID,
		Body:               []byte(body),
	}
}

func formatEnvelope(msg *contracts.MessageEnvelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", msg.MessageDescription, msg.MessageID)
	if msg.CorrelationID != "" {
		fmt.Fprintf(&b, " correlation=%s", msg.CorrelationID)
	}
	if !msg.CreationTimestamp.IsZero() {
		fmt.Fprintf(&b, " created=%s", msg.CreationTimestamp.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, " %s", msg.Body)
	return b.String()
}
