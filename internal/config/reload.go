package config

import "maps"

// ApplyReloadable copies the hot-reloadable subset of next into cur and
// reports whether anything changed. Structural settings (secrets, bind
// address, worker count, backend mode, TLS material) are deliberately
// not copied; changing those requires a restart.
func ApplyReloadable(cur, next *Config) bool {
	changed := false

	set := func(c bool) {
		if c {
			changed = true
		}
	}

	set(cur.Logging.Level != next.Logging.Level)
	cur.Logging.Level = next.Logging.Level

	set(cur.Upstream != next.Upstream)
	cur.Upstream = next.Upstream

	set(cur.Breaker != next.Breaker)
	cur.Breaker = next.Breaker

	set(cur.IPRate != next.IPRate)
	cur.IPRate = next.IPRate

	set(cur.Limits != next.Limits)
	cur.Limits = next.Limits

	set(cur.Features != next.Features)
	cur.Features = next.Features

	set(cur.Metrics != next.Metrics)
	cur.Metrics = next.Metrics

	set(!maps.Equal(cur.RateTiers, next.RateTiers))
	cur.RateTiers = next.RateTiers

	return changed
}
