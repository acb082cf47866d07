package ratelimit

import (
	"context"
	"time"

	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/model"
)

// checkUser applies the explicit per-user fallback: a sliding-window
// rate limit that rejects, then a throttle that delays. throttle
// semantics: throttle_duration requests are free per window; each
// request past that waits throttle_wait × excess, and excess beyond
// throttle_queue_limit is rejected outright.
func (e *Engine) checkUser(ctx context.Context, user *model.User, now time.Time) (*Result, error) {
	res := &Result{}

	if user.RateLimitDuration > 0 {
		limit := int64(user.RateLimitDuration)
		window := windowDuration(user.RateLimitUnit)
		est, err := e.win.incr(ctx, RulePerUser, user.Username, window, now)
		if err != nil {
			return nil, errors.Wrap(err, 500, "ISE001", "rate counter unavailable")
		}
		res.Limit = limit
		res.Remaining = limit - int64(est)
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		res.Reset = windowReset(window, now)
		if int64(est) > limit {
			return res, errors.ErrRateLimited
		}
	}

	if user.ThrottleDuration > 0 {
		allowed := int64(user.ThrottleDuration)
		window := windowDuration(user.ThrottleUnit)
		key := user.Username + ":throttle"
		cnt, err := e.win.ctr.Incr(ctx, windowKey(RulePerUser, key, window, now.UnixNano()/int64(window)))
		if err != nil {
			return nil, errors.Wrap(err, 500, "ISE001", "throttle counter unavailable")
		}
		if cnt == 1 {
			e.win.ctr.Expire(ctx, windowKey(RulePerUser, key, window, now.UnixNano()/int64(window)), 2*window)
		}
		excess := cnt - allowed
		if excess > 0 {
			if user.ThrottleQueueLimit > 0 && excess > int64(user.ThrottleQueueLimit) {
				return res, errors.ErrThrottleQueueFull
			}
			wait := time.Duration(user.ThrottleWaitMS) * time.Millisecond * time.Duration(excess)
			if wait > res.Delay {
				res.Delay = wait
			}
		}
	}

	return res, nil
}
