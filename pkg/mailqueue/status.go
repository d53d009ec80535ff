package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is a point-in-time view of the delivery pipeline.
type Status struct {
	Pending       int64      `json:"queued"`
	DeadLettered  int64      `json:"dead_lettered"`
	RateRemaining int64      `json:"rate_limit_remaining"`
	LastSentAt    *time.Time `json:"last_sent,omitempty"`
	NextRunIn     int64      `json:"next_run_in"` // seconds until the next consumer pass
}

// Status reports pending count, remaining rate quota, last successful send
// and seconds until the next consumer pass. On storage failure it returns a
// zeroed status alongside the error so callers can degrade instead of crash.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	var st Status

	pending, err := q.client.LLen(ctx, q.opts.queueKey).Result()
	if err != nil {
		return Status{}, errors.Join(ErrStatusFailed, err)
	}
	st.Pending = pending

	// Secondary fields degrade individually: a partial status beats none.
	if dead, err := q.client.LLen(ctx, q.opts.deadKey).Result(); err == nil {
		st.DeadLettered = dead
	}

	cfg := q.deliveryConfig(ctx)
	if remaining, err := q.limiter.Remaining(ctx, q.opts.limiterKey, cfg.RateLimit, cfg.RateWindow); err == nil {
		st.RateRemaining = remaining
	}

	if raw, err := q.client.LIndex(ctx, q.opts.logKey, 0).Result(); err == nil {
		var rec deliveryRecord
		if json.Unmarshal([]byte(raw), &rec) == nil && rec.Status == "sent" {
			ts := rec.Timestamp
			st.LastSentAt = &ts
		}
	}

	if raw, err := q.client.Get(ctx, q.opts.nextRunKey).Result(); err == nil {
		if next, perr := time.Parse(time.RFC3339, raw); perr == nil {
			st.NextRunIn = max(int64(next.Sub(q.now()).Seconds()), 0)
		}
	} else if errors.Is(err, redis.Nil) {
		st.NextRunIn = int64(cfg.RateWindow.Seconds())
	}

	return st, nil
}
