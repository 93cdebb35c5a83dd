package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/glimte/relay"
	"github.com/glimte/relay/config"
	"github.com/glimte/relay/health"
	"github.com/glimte/relay/interceptors"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries the global flags and the client built from them.
type app struct {
	configPath string
	url        string
	verbose    bool
	connectFor time.Duration

	out    io.Writer
	logger *slog.Logger
	client *relay.Client
}

func main() {
	a := &app{out: os.Stdout}
	if err := a.rootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Send, receive and inspect messages on RabbitMQ",
		Long: `relay publishes and consumes messages through RabbitMQ queues and routed
exchanges. Every queue is paired with a dead-letter queue that receives the
messages its handlers fail.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&a.url, "url", "u", "", "RabbitMQ connection URL (overrides config and environment)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().DurationVar(&a.connectFor, "connect-timeout", 30*time.Second, "How long to retry the initial connection")

	rootCmd.AddCommand(
		a.sendCommand(),
		a.requestCommand(),
		a.serveCommand(),
		a.statsCommand(),
		a.purgeCommand(),
		a.healthCommand(),
	)
	return rootCmd
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.url != "" {
		cfg.URL = a.url
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	a.logger = cfg.Logging.Logger(os.Stderr)
	a.client, err = relay.New(cfg, relay.WithLogger(a.logger))
	return err
}

func (a *app) teardown() error {
	if a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.client.Shutdown(ctx)
}

// connect opens the connection, retrying with exponential backoff until
// connectFor elapses or ctx ends.
func (a *app) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = a.connectFor

	return backoff.RetryNotify(func() error {
		return a.client.Connect(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		a.logger.Warn("connection failed, retrying", "error", err, "wait", wait)
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// parseTarget reads "queue" or "exchange:routingKey".
func parseTarget(s string) (relay.Target, error) {
	exchange, key, routed := strings.Cut(s, ":")
	switch {
	case !routed && s != "":
		return relay.Queue(s), nil
	case routed && exchange != "" && key != "":
		return relay.Route(exchange, key), nil
	}
	return relay.Target{}, fmt.Errorf("invalid target %q: want <queue> or <exchange>:<routing-key>", s)
}

func (a *app) sendCommand() *cobra.Command {
	var (
		contentType string
		headers     []string
		expiration  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <target> <body>",
		Short: "Publish a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			options, err := publishOptions(contentType, headers, expiration)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			if err := a.client.Send(ctx, target, []byte(args[1]), options...); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Fprintf(a.out, "Sent %d bytes to %s\n", len(args[1]), target)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Message content type")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as key=value (repeatable)")
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "Per-message TTL")
	return cmd
}

func (a *app) requestCommand() *cobra.Command {
	var (
		contentType string
		headers     []string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <target> <body>",
		Short: "Send a request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			options, err := publishOptions(contentType, headers, 0)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
			defer reqCancel()

			reply, err := a.client.Request(reqCtx, target, []byte(args[1]), options...)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			printReply(a.out, reply, a.verbose)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Message content type")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as key=value (repeatable)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for the reply")
	return cmd
}

func (a *app) serveCommand() *cobra.Command {
	var (
		prefetch int
		fail     bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve <target>",
		Short: "Consume a target, echoing request bodies back as replies",
		Long: `Consume messages from a target until interrupted. Messages that expect a reply
get their own body back. With --fail every message is rejected and lands in
the dead-letter queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			handler := interceptors.NewDefaultInterceptorChainBuilder(a.logger).
				WithRecovery().
				WithLogging().
				Build().
				Then(echoHandler(a.out, fail))

			var options []relay.ConsumeOption
			if prefetch > 0 {
				options = append(options, relay.WithPrefetch(prefetch))
			}
			if timeout > 0 {
				options = append(options, relay.WithHandlerTimeout(timeout))
			}

			sub, err := a.client.Receive(ctx, target, handler, options...)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			fmt.Fprintf(a.out, "Serving %s (queue %s). Press Ctrl+C to stop\n", target, sub.Queue())
			fmt.Fprintln(a.out, strings.Repeat("-", 80))

			select {
			case <-ctx.Done():
			case <-sub.Done():
				return fmt.Errorf("subscription to %s ended", sub.Queue())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&prefetch, "prefetch", "p", 0, "Messages handled concurrently (default from config)")
	cmd.Flags().BoolVar(&fail, "fail", false, "Reject every message")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 0, "Per-message handler timeout")
	return cmd
}

func (a *app) statsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <target>...",
		Short: "Show message and consumer counts for targets and their dead-letter queues",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			var stats []relay.QueueStats
			for _, arg := range args {
				target, err := parseTarget(arg)
				if err != nil {
					return err
				}
				stats = append(stats,
					a.client.ReadStats(ctx, target),
					a.client.ReadStats(ctx, target.DeadLetter()))
			}
			printStats(a.out, stats)
			return nil
		},
	}
	return cmd
}

func (a *app) purgeCommand() *cobra.Command {
	var dlq bool
	cmd := &cobra.Command{
		Use:   "purge <target>",
		Short: "Remove every ready message from a target's queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			if dlq {
				target = target.DeadLetter()
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			result := a.client.Purge(ctx, target)
			fmt.Fprintf(a.out, "Purged %d messages from %s\n", result.MessageCount, result.Queue)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dlq, "dlq", false, "Purge the dead-letter queue instead")
	return cmd
}

func (a *app) healthCommand() *cobra.Command {
	var queues []string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check connection and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			for _, q := range queues {
				target, err := parseTarget(q)
				if err != nil {
					return err
				}
				a.client.WatchQueue(target, 0)
			}

			checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
			defer checkCancel()

			report := a.client.Health(checkCtx)
			printHealth(a.out, report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Targets whose queues to check")
	return cmd
}
