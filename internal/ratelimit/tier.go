package ratelimit

import (
	"context"
	"time"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/errors"
)

// checkTier evaluates the concentric minute/hour/day windows. The
// innermost exceeded window decides the outcome: hard 429 when the tier
// has no throttling, otherwise a wait bounded by the tier's queue time.
func (e *Engine) checkTier(ctx context.Context, username string, tier config.RateTierConfig, now time.Time) (*Result, error) {
	type window struct {
		limit int64
		dur   time.Duration
	}
	windows := []window{
		{tier.PerMinute, time.Minute},
		{tier.PerHour, time.Hour},
		{tier.PerDay, 24 * time.Hour},
	}

	res := &Result{}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		est, err := e.win.incr(ctx, RulePerUser, username, w.dur, now)
		if err != nil {
			return nil, errors.Wrap(err, 500, "ISE001", "rate counter unavailable")
		}
		reset := windowReset(w.dur, now)

		// The tightest window drives the advisory headers.
		remaining := w.limit - int64(est)
		if remaining < 0 {
			remaining = 0
		}
		if res.Limit == 0 || remaining < res.Remaining {
			res.Limit = w.limit
			res.Remaining = remaining
			res.Reset = reset
		}

		if int64(est) <= w.limit {
			continue
		}
		if !tier.ThrottleEnabled {
			res.Remaining = 0
			return res, errors.ErrRateLimited
		}
		wait := reset.Sub(now)
		if wait < minThrottleWait {
			wait = minThrottleWait
		}
		if tier.MaxQueueTime > 0 && wait > tier.MaxQueueTime {
			res.Remaining = 0
			return res, errors.ErrRateLimited
		}
		if wait > res.Delay {
			res.Delay = wait
		}
	}
	return res, nil
}
