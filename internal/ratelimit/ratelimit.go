// Package ratelimit enforces the per-caller request budget. Three
// layers apply: a pre-auth fixed-window IP limit, concentric tier
// windows for callers assigned a tier, and the per-user rate/throttle
// fallback. All counting goes through the shared counter backend so
// limits hold across workers.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/counter"
	"github.com/doorman-project/doorman/internal/model"
)

// Rule types for counter keys.
const (
	RulePerUser         = "per_user"
	RulePerAPI          = "per_api"
	RulePerEndpoint     = "per_endpoint"
	RulePerIP           = "per_ip"
	RulePerUserAPI      = "per_user_api"
	RulePerUserEndpoint = "per_user_endpoint"
	RuleGlobal          = "global"
)

// minThrottleWait is the floor for any computed throttle delay.
const minThrottleWait = 100 * time.Millisecond

// Result reports the outcome of a rate check. Delay > 0 means the
// request was admitted via throttling and the pipeline must sleep
// before dispatch; no background scheduling is involved.
type Result struct {
	Limit     int64
	Remaining int64
	Reset     time.Time
	Delay     time.Duration
}

// SetHeaders writes the advisory rate headers onto a response.
func (r *Result) SetHeaders(h interface{ Set(string, string) }) {
	if r == nil || r.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.Reset.Unix(), 10))
}

// RetryAfter returns whole seconds until the window resets, at least 0.
func (r *Result) RetryAfter(now time.Time) int64 {
	secs := int64(r.Reset.Sub(now).Seconds())
	if secs < 0 {
		secs = 0
	}
	return secs
}

// Engine evaluates tier and user-level limits.
type Engine struct {
	win *slidingWindow
	now func() time.Time

	mu    sync.RWMutex
	tiers map[string]config.RateTierConfig
}

// NewEngine creates the engine over the shared counter.
func NewEngine(ctr counter.Counter, tiers map[string]config.RateTierConfig) *Engine {
	return &Engine{
		win:   &slidingWindow{ctr: ctr},
		tiers: tiers,
		now:   time.Now,
	}
}

// SetTiers swaps the tier table on hot reload. Checks in flight keep
// reading the table they started with.
func (e *Engine) SetTiers(tiers map[string]config.RateTierConfig) {
	e.mu.Lock()
	e.tiers = tiers
	e.mu.Unlock()
}

func (e *Engine) tierFor(name string) (config.RateTierConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tiers[name]
	return t, ok
}

// Check evaluates the caller's budget. Tiered callers get the
// concentric windows; untiered callers fall back to their explicit
// rate/throttle fields. Calendar quotas apply on top of either path.
// Callers with none of these pass unconditionally.
func (e *Engine) Check(ctx context.Context, user *model.User) (*Result, error) {
	if user == nil {
		return &Result{}, nil
	}
	now := e.now()

	var res *Result
	var err error
	if tier, ok := e.tierFor(user.Tier); ok && user.Tier != "" {
		res, err = e.checkTier(ctx, user.Username, tier, now)
	} else {
		res, err = e.checkUser(ctx, user, now)
	}
	if err != nil {
		return res, err
	}
	if err := e.checkQuota(ctx, user, now, res); err != nil {
		return res, err
	}
	return res, nil
}

// windowDuration maps a duration-type field to its window length.
func windowDuration(unit string) time.Duration {
	switch unit {
	case "second":
		return time.Second
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
