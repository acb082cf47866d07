package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/doorman-project/doorman/internal/counter"
)

// slidingWindow estimates usage over two adjacent fixed windows:
// prev_count scaled by the unelapsed fraction plus the current count.
// Counter keys carry the window index; TTL is twice the window so the
// previous bucket survives into the next.
type slidingWindow struct {
	ctr counter.Counter
}

func windowKey(rule, identifier string, window time.Duration, index int64) string {
	return fmt.Sprintf("rate_limit:%s:%s:%d:%d", rule, identifier, int64(window.Seconds()), index)
}

// incr counts the request into the current bucket and returns the
// sliding estimate including it.
func (s *slidingWindow) incr(ctx context.Context, rule, identifier string, window time.Duration, now time.Time) (float64, error) {
	idx := now.UnixNano() / int64(window)
	cur, err := s.ctr.Incr(ctx, windowKey(rule, identifier, window, idx))
	if err != nil {
		return 0, err
	}
	if cur == 1 {
		s.ctr.Expire(ctx, windowKey(rule, identifier, window, idx), 2*window)
	}
	prev, err := s.ctr.Get(ctx, windowKey(rule, identifier, window, idx-1))
	if err != nil {
		return 0, err
	}
	elapsed := time.Duration(now.UnixNano() - idx*int64(window))
	frac := float64(elapsed) / float64(window)
	return float64(prev)*(1-frac) + float64(cur), nil
}

// count returns the current-bucket count without incrementing.
func (s *slidingWindow) count(ctx context.Context, rule, identifier string, window time.Duration, now time.Time) (int64, error) {
	idx := now.UnixNano() / int64(window)
	return s.ctr.Get(ctx, windowKey(rule, identifier, window, idx))
}

// reset returns when the current bucket rolls over.
func windowReset(window time.Duration, now time.Time) time.Time {
	idx := now.UnixNano() / int64(window)
	return time.Unix(0, (idx+1)*int64(window))
}
