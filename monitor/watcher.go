package monitor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// ChannelWatcher periodically renders backend channel activity
type ChannelWatcher struct {
	inspector ChannelInspector
	interval  time.Duration
	out       io.Writer
	clear     bool
}

// NewChannelWatcher creates a new channel watcher writing to out
func NewChannelWatcher(inspector ChannelInspector, interval time.Duration, out io.Writer) *ChannelWatcher {
	return &ChannelWatcher{
		inspector: inspector,
		interval:  interval,
		out:       out,
	}
}

// WithClearScreen redraws in place on ANSI terminals
func (w *ChannelWatcher) WithClearScreen(enabled bool) *ChannelWatcher {
	w.clear = enabled
	return w
}

// Watch renders until ctx is cancelled
func (w *ChannelWatcher) Watch(ctx context.Context, pattern string) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if err := w.Render(ctx, pattern); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Render(ctx, pattern); err != nil {
				// keep watching through transient errors
				fmt.Fprintf(w.out, "Error: %v\n", err)
			}
		}
	}
}

// Render writes one snapshot
func (w *ChannelWatcher) Render(ctx context.Context, pattern string) error {
	summary, err := w.inspector.Inspect(ctx, pattern)
	if err != nil {
		return err
	}

	if w.clear {
		fmt.Fprint(w.out, "\033[H\033[2J")
	}

	fmt.Fprintf(w.out, "Channel Monitor - %s\n", summary.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w.out, strings.Repeat("=", 60))
	fmt.Fprintf(w.out, "Channels: %d | Subscribers: %d | Patterns: %d\n",
		len(summary.Channels), summary.TotalSubscribers, summary.PatternCount)
	fmt.Fprintln(w.out, strings.Repeat("-", 60))

	if len(summary.Channels) == 0 {
		fmt.Fprintln(w.out, "No active channels")
	} else {
		fmt.Fprintf(w.out, "%-48s %11s\n", "Channel", "Subscribers")
		for _, ch := range summary.Channels {
			fmt.Fprintf(w.out, "%-48s %11d\n", truncateString(ch.Name, 48), ch.Subscribers)
		}
	}

	fmt.Fprintln(w.out, strings.Repeat("-", 60))
	return nil
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
