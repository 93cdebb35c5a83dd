package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relay"
	"github.com/glimte/relay/health"
)

var errRejected = errors.New("rejected by --fail")

// publishOptions turns command flags into publish options. Headers are
// key=value pairs.
func publishOptions(contentType string, headers []string, expiration time.Duration) ([]relay.PublishOption, error) {
	var options []relay.PublishOption
	if contentType != "" {
		options = append(options, relay.WithContentType(contentType))
	}
	if expiration > 0 {
		options = append(options, relay.WithExpiration(expiration))
	}
	if len(headers) > 0 {
		table := amqp.Table{}
		for _, h := range headers {
			key, value, ok := strings.Cut(h, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid header %q: want key=value", h)
			}
			table[key] = value
		}
		options = append(options, relay.WithHeaders(table))
	}
	return options, nil
}

// echoHandler prints each message and returns its body, which becomes the
// reply for requests.
func echoHandler(out io.Writer, fail bool) relay.Handler {
	return func(_ context.Context, msg *relay.Message) ([]byte, error) {
		fmt.Fprintf(out, "[%s] %s id=%s correlation=%s\n  %s\n",
			msg.Timestamp.Format(time.RFC3339),
			msg.Queue,
			msg.MessageID,
			msg.CorrelationID,
			truncate(string(msg.Body), 100))
		if fail {
			return nil, errRejected
		}
		return msg.Body, nil
	}
}

func printReply(out io.Writer, reply *relay.Message, verbose bool) {
	if verbose {
		fmt.Fprintf(out, "Correlation ID: %s\n", reply.CorrelationID)
		fmt.Fprintf(out, "Replied From: %s\n", reply.Header("x-replied-from"))
		fmt.Fprintf(out, "Content Type: %s\n", reply.ContentType)
		fmt.Fprintln(out, strings.Repeat("-", 60))
	}
	fmt.Fprintln(out, string(reply.Body))
}

func printStats(out io.Writer, stats []relay.QueueStats) {
	fmt.Fprintf(out, "%-50s %-10s %-10s\n", "Queue", "Messages", "Consumers")
	fmt.Fprintln(out, strings.Repeat("-", 72))

	for _, s := range stats {
		fmt.Fprintf(out, "%-50s %-10d %-10d\n", truncate(s.Queue, 50), s.MessageCount, s.ConsumerCount)
	}
}

func printHealth(out io.Writer, report health.OverallHealth) {
	fmt.Fprintf(out, "System Health: %s (%s)\n", report.Status, report.Duration.Truncate(time.Millisecond))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := report.Checks[name]
		fmt.Fprintf(out, "\n%s: %s\n", name, check.Status)
		if check.Message != "" {
			fmt.Fprintf(out, "  %s\n", check.Message)
		}
		if check.Error != "" {
			fmt.Fprintf(out, "  Error: %s\n", check.Error)
		}

		keys := make([]string, 0, len(check.Details))
		for k := range check.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %v\n", k, check.Details[k])
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
