package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/counter"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/logging"
)

// IPLimiter is the fixed-window pre-auth limit applied before token
// parsing on authentication-adjacent routes.
type IPLimiter struct {
	ctr      counter.Counter
	limit    int64
	window   time.Duration
	disabled bool
	now      func() time.Time
}

// NewIPLimiter builds the limiter from config. A zero limit or window
// falls back to 20 requests per minute.
func NewIPLimiter(cfg config.IPRateConfig, ctr counter.Counter) *IPLimiter {
	limit := int64(cfg.Limit)
	if limit <= 0 {
		limit = 20
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &IPLimiter{
		ctr:      ctr,
		limit:    limit,
		window:   window,
		disabled: cfg.Disabled,
		now:      time.Now,
	}
}

// Allow counts one request from ip. Counter failures admit the request;
// losing precision beats refusing logins when the backend blips.
func (l *IPLimiter) Allow(ctx context.Context, ip string) (*Result, error) {
	if l.disabled {
		return &Result{}, nil
	}
	now := l.now()
	bucket := now.Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("ip_rate_limit:%s:%d", ip, bucket)

	n, err := l.ctr.Incr(ctx, key)
	if err != nil {
		logging.Warn("ip rate counter unavailable, admitting request")
		return &Result{}, nil
	}
	if n == 1 {
		l.ctr.Expire(ctx, key, 2*l.window)
	}

	res := &Result{
		Limit:     l.limit,
		Remaining: l.limit - n,
		Reset:     time.Unix((bucket+1)*int64(l.window.Seconds()), 0),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if n > l.limit {
		return res, errors.ErrRateLimited
	}
	return res, nil
}
