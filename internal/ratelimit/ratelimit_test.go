package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/counter"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/model"
)

func newTestEngine(t *testing.T, tiers map[string]config.RateTierConfig) *Engine {
	t.Helper()
	ctr := counter.NewMemory()
	t.Cleanup(func() { ctr.Close() })
	return NewEngine(ctr, tiers)
}

func TestNoLimitsPassThrough(t *testing.T) {
	e := newTestEngine(t, nil)
	res, err := e.Check(context.Background(), &model.User{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Delay != 0 || res.Limit != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestAnonymousPassThrough(t *testing.T) {
	e := newTestEngine(t, nil)
	if _, err := e.Check(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestUserRateLimitThirdRequestRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := &model.User{
		Username:          "alice",
		RateLimitDuration: 2,
		RateLimitUnit:     "minute",
	}

	for i := 0; i < 2; i++ {
		res, err := e.Check(ctx, user)
		if err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
		if res.Limit != 2 {
			t.Errorf("limit = %d", res.Limit)
		}
	}
	res, err := e.Check(ctx, user)
	if err != errors.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter(time.Now()) < 0 {
		t.Error("negative retry-after")
	}
}

func TestRateLimitIsolatedPerUser(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	mk := func(name string) *model.User {
		return &model.User{Username: name, RateLimitDuration: 1, RateLimitUnit: "minute"}
	}

	if _, err := e.Check(ctx, mk("alice")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Check(ctx, mk("bob")); err != nil {
		t.Fatalf("bob hit alice's budget: %v", err)
	}
}

func TestThrottleDelaysExcess(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := &model.User{
		Username:         "alice",
		ThrottleDuration: 1,
		ThrottleUnit:     "minute",
		ThrottleWaitMS:   50,
	}

	res, err := e.Check(ctx, user)
	if err != nil || res.Delay != 0 {
		t.Fatalf("first request delayed: %v %v", res.Delay, err)
	}
	// Excess 1 waits 50ms, excess 2 waits 100ms.
	res, err = e.Check(ctx, user)
	if err != nil || res.Delay != 50*time.Millisecond {
		t.Fatalf("delay = %v, err = %v", res.Delay, err)
	}
	res, err = e.Check(ctx, user)
	if err != nil || res.Delay != 100*time.Millisecond {
		t.Fatalf("delay = %v, err = %v", res.Delay, err)
	}
}

func TestThrottleQueueLimitRejects(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := &model.User{
		Username:           "alice",
		ThrottleDuration:   1,
		ThrottleUnit:       "minute",
		ThrottleWaitMS:     10,
		ThrottleQueueLimit: 1,
	}

	e.Check(ctx, user) // allowed
	e.Check(ctx, user) // excess 1, delayed
	_, err := e.Check(ctx, user)
	if err != errors.ErrThrottleQueueFull {
		t.Fatalf("expected ErrThrottleQueueFull, got %v", err)
	}
}

func TestTierHardReject(t *testing.T) {
	e := newTestEngine(t, map[string]config.RateTierConfig{
		"basic": {PerMinute: 2},
	})
	ctx := context.Background()
	user := &model.User{Username: "alice", Tier: "basic"}

	e.Check(ctx, user)
	e.Check(ctx, user)
	_, err := e.Check(ctx, user)
	if err != errors.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestTierThrottleWaitBounded(t *testing.T) {
	e := newTestEngine(t, map[string]config.RateTierConfig{
		"queued": {PerMinute: 1, ThrottleEnabled: true, MaxQueueTime: 2 * time.Minute},
	})
	ctx := context.Background()
	user := &model.User{Username: "alice", Tier: "queued"}

	if res, err := e.Check(ctx, user); err != nil || res.Delay != 0 {
		t.Fatalf("first: %+v %v", res, err)
	}
	res, err := e.Check(ctx, user)
	if err != nil {
		t.Fatalf("throttled request rejected: %v", err)
	}
	if res.Delay < minThrottleWait {
		t.Errorf("delay %v below floor", res.Delay)
	}
	if res.Delay > time.Minute {
		t.Errorf("delay %v exceeds window", res.Delay)
	}
}

func TestTierQueueTimeExceededRejects(t *testing.T) {
	e := newTestEngine(t, map[string]config.RateTierConfig{
		"strict": {PerHour: 1, ThrottleEnabled: true, MaxQueueTime: time.Second},
	})
	ctx := context.Background()
	user := &model.User{Username: "alice", Tier: "strict"}

	e.Check(ctx, user)
	// The hour window cannot reset within one second.
	if _, err := e.Check(ctx, user); err != errors.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestUnknownTierFallsBackToUserFields(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := &model.User{
		Username:          "alice",
		Tier:              "gone",
		RateLimitDuration: 1,
		RateLimitUnit:     "minute",
	}

	e.Check(ctx, user)
	if _, err := e.Check(ctx, user); err != errors.ErrRateLimited {
		t.Fatalf("expected fallback limit, got %v", err)
	}
}

func TestIPLimiterFixedWindow(t *testing.T) {
	ctr := counter.NewMemory()
	defer ctr.Close()
	l := NewIPLimiter(config.IPRateConfig{Limit: 2, Window: time.Minute}, ctr)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Allow(ctx, "1.2.3.4"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	res, err := l.Allow(ctx, "1.2.3.4")
	if err != errors.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d", res.Remaining)
	}

	// A different address has its own window.
	if _, err := l.Allow(ctx, "5.6.7.8"); err != nil {
		t.Fatalf("other ip blocked: %v", err)
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	ctr := counter.NewMemory()
	defer ctr.Close()
	l := NewIPLimiter(config.IPRateConfig{Disabled: true, Limit: 1, Window: time.Minute}, ctr)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Allow(ctx, "1.2.3.4"); err != nil {
			t.Fatalf("disabled limiter rejected: %v", err)
		}
	}
}

func TestResultHeaders(t *testing.T) {
	h := http.Header{}
	res := &Result{Limit: 10, Remaining: 3, Reset: time.Unix(1700000000, 0)}
	res.SetHeaders(h)
	if h.Get("X-RateLimit-Limit") != "10" || h.Get("X-RateLimit-Remaining") != "3" {
		t.Errorf("headers = %v", h)
	}
	if h.Get("X-RateLimit-Reset") != "1700000000" {
		t.Errorf("reset = %s", h.Get("X-RateLimit-Reset"))
	}
}

func TestQuotaDayExhausted(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := &model.User{Username: "alice", QuotaPerDay: 2}

	for i := 0; i < 2; i++ {
		res, err := e.Check(ctx, user)
		if err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
		if res.Limit != 2 {
			t.Errorf("limit = %d", res.Limit)
		}
	}
	res, err := e.Check(ctx, user)
	if err != errors.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d", res.Remaining)
	}
	// The budget resets at the next UTC midnight.
	want := periodReset(PeriodDay, time.Now())
	if !res.Reset.Equal(want) {
		t.Errorf("reset = %v, want %v", res.Reset, want)
	}
}

func TestQuotaMonthBucketRollsOver(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := &model.User{Username: "alice", QuotaPerMonth: 1}

	jan := time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return jan }
	if _, err := e.Check(ctx, user); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if _, err := e.Check(ctx, user); err != errors.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// A new calendar month starts a fresh bucket.
	e.now = func() time.Time { return jan.Add(2 * time.Hour) }
	if _, err := e.Check(ctx, user); err != nil {
		t.Fatalf("request in new month rejected: %v", err)
	}
}

func TestQuotaAppliesOnTopOfTier(t *testing.T) {
	e := newTestEngine(t, map[string]config.RateTierConfig{
		"gold": {PerMinute: 100},
	})
	ctx := context.Background()
	user := &model.User{Username: "alice", Tier: "gold", QuotaPerDay: 1}

	if _, err := e.Check(ctx, user); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if _, err := e.Check(ctx, user); err != errors.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited from quota, got %v", err)
	}
}

func TestPeriodKeyShapes(t *testing.T) {
	at := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)
	if got := periodKey(PeriodDay, at); got != "20260307" {
		t.Errorf("day key = %q", got)
	}
	if got := periodKey(PeriodMonth, at); got != "202603" {
		t.Errorf("month key = %q", got)
	}
	if got := periodReset(PeriodMonth, at); !got.Equal(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month reset = %v", got)
	}
}

func TestSetTiersConcurrentWithCheck(t *testing.T) {
	e := newTestEngine(t, map[string]config.RateTierConfig{
		"gold": {PerMinute: 1000},
	})
	ctx := context.Background()
	user := &model.User{Username: "alice", Tier: "gold"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			e.SetTiers(map[string]config.RateTierConfig{
				"gold": {PerMinute: int64(1000 + i)},
			})
		}
	}()
	for i := 0; i < 200; i++ {
		if _, err := e.Check(ctx, user); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	<-done
}
