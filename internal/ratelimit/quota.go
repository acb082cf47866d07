package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/model"
)

// Quota periods. Unlike the sliding windows these are calendar-aligned
// in UTC: the day bucket rolls at midnight, the month bucket on the
// first.
const (
	PeriodDay   = "day"
	PeriodMonth = "month"
)

// QuotaTypeRequests counts proxied requests.
const QuotaTypeRequests = "requests"

// quotaKey is the counter key for one calendar bucket.
func quotaKey(username, quotaType, period string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", username, quotaType, periodKey(period, now))
}

// periodKey names the calendar bucket: YYYYMMDD for day, YYYYMM for
// month.
func periodKey(period string, now time.Time) string {
	if period == PeriodMonth {
		return now.UTC().Format("200601")
	}
	return now.UTC().Format("20060102")
}

// periodReset returns the next calendar rollover in UTC.
func periodReset(period string, now time.Time) time.Time {
	t := now.UTC()
	if period == PeriodMonth {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// checkQuota enforces the calendar-period budgets after the window
// checks admit. Usage lives in the shared counter under the calendar
// key; the TTL outlives the bucket by a day so the final usage stays
// readable after rollover.
func (e *Engine) checkQuota(ctx context.Context, user *model.User, now time.Time, res *Result) error {
	budgets := []struct {
		period string
		limit  int64
	}{
		{PeriodDay, int64(user.QuotaPerDay)},
		{PeriodMonth, int64(user.QuotaPerMonth)},
	}
	for _, b := range budgets {
		if b.limit <= 0 {
			continue
		}
		key := quotaKey(user.Username, QuotaTypeRequests, b.period, now)
		usage, err := e.win.ctr.Incr(ctx, key)
		if err != nil {
			return errors.Wrap(err, 500, "ISE001", "quota counter unavailable")
		}
		reset := periodReset(b.period, now)
		if usage == 1 {
			e.win.ctr.Expire(ctx, key, reset.Sub(now)+24*time.Hour)
		}
		remaining := b.limit - usage
		if remaining < 0 {
			remaining = 0
		}
		// The tightest budget drives the advisory headers.
		if res.Limit == 0 || remaining < res.Remaining {
			res.Limit, res.Remaining, res.Reset = b.limit, remaining, reset
		}
		if usage > b.limit {
			return errors.ErrRateLimited
		}
	}
	return nil
}
