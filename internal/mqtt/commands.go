package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// CommandHandler runs the named job in response to a button press.
// Implementations must be safe for concurrent use.
type CommandHandler func(ctx context.Context, job string) error

// pressPayload is what HA sends when a discovered button is pressed.
const pressPayload = "PRESS"

// jobFromTopic extracts the job name from a command topic of the form
// <base>/<job>/fire. It returns "" for anything else.
func jobFromTopic(base, topic string) string {
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok {
		return ""
	}
	job, ok := strings.CutSuffix(rest, "/fire")
	if !ok || job == "" || strings.Contains(job, "/") {
		return ""
	}
	return job
}

// commandLimiter caps button presses per interval so a stuck
// automation cannot flood the recipient. Counters are atomic.
type commandLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandLimiter {
	return &commandLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the window every interval until ctx is cancelled,
// logging how many presses were dropped.
func (r *commandLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether another command fits in the current window.
func (r *commandLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
