package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// recordLimiter caps how many load records are forwarded to the broker
// per interval. A server stuck in a failure loop can otherwise flood
// the records topics. State updates are never limited.
type recordLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRecordLimiter(limit int64, interval time.Duration, logger *slog.Logger) *recordLimiter {
	return &recordLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// run resets the counter every interval until ctx is cancelled and
// reports how many records were dropped.
func (r *recordLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *recordLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt load records dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow counts one record and reports whether it is within the limit.
func (r *recordLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
