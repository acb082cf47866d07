package metrics

import (
	"time"
)

// Retention windows per rollup band.
const (
	fiveMinRetention = 7 * 24 * time.Hour
	hourlyRetention  = 30 * 24 * time.Hour
	dailyRetention   = 90 * 24 * time.Hour
)

// rollup is one aggregated band entry. Start is the band-aligned unix
// second; Width the band size.
type rollup struct {
	Start    int64            `json:"start"`
	Width    int64            `json:"width_seconds"`
	Count    int64            `json:"count"`
	Errors   int64            `json:"errors"`
	TotalMS  int64            `json:"total_ms"`
	BytesIn  int64            `json:"bytes_in"`
	BytesOut int64            `json:"bytes_out"`
	Statuses map[int]int64    `json:"statuses"`
	APIs     map[string]int64 `json:"apis"`
	Users    map[string]int64 `json:"users"`
	Latency  []float64        `json:"latencies,omitempty"`

	res *reservoir
}

func newRollup(start, width int64, resSize int) *rollup {
	return &rollup{
		Start:    start,
		Width:    width,
		Statuses: make(map[int]int64),
		APIs:     make(map[string]int64),
		Users:    make(map[string]int64),
		res:      newReservoir(resSize),
	}
}

func (ru *rollup) absorb(b *bucket) {
	ru.Count += b.Count
	ru.Errors += b.Errors
	ru.TotalMS += b.TotalMS
	ru.BytesIn += b.BytesIn
	ru.BytesOut += b.BytesOut
	for code, n := range b.Statuses {
		ru.Statuses[code] += n
	}
	for api, n := range b.APIs {
		ru.APIs[api] += n
	}
	for user, n := range b.Users {
		ru.Users[user] += n
	}
	ru.res.merge(b.res)
	ru.Latency = ru.res.values
}

func (ru *rollup) absorbRollup(other *rollup) {
	ru.Count += other.Count
	ru.Errors += other.Errors
	ru.TotalMS += other.TotalMS
	ru.BytesIn += other.BytesIn
	ru.BytesOut += other.BytesOut
	for code, n := range other.Statuses {
		ru.Statuses[code] += n
	}
	for api, n := range other.APIs {
		ru.APIs[api] += n
	}
	for user, n := range other.Users {
		ru.Users[user] += n
	}
	ru.res.merge(other.res)
	ru.Latency = ru.res.values
}

// Rollup aggregates completed minute buckets into the 5-minute band and
// cascades into the hourly and daily bands. Run from the 5-minute
// background task; idempotent per band slot.
func (r *Recorder) Rollup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	curMinute := now.Unix() / 60

	// Last completed 5-minute band: [start, start+5) minutes.
	bandStart := ((curMinute / 5) - 1) * 5
	if !r.hasRollup(r.fiveMin, bandStart*60) {
		ru := newRollup(bandStart*60, 300, r.resSize)
		for _, b := range r.bucketsBetween(bandStart, bandStart+4) {
			ru.absorb(b)
		}
		if ru.Count > 0 {
			r.fiveMin = append(r.fiveMin, ru)
		}
	}

	// Last completed hour, built from its 5-minute bands.
	hourStart := now.Truncate(time.Hour).Add(-time.Hour).Unix()
	if !r.hasRollup(r.hourly, hourStart) {
		ru := newRollup(hourStart, 3600, r.resSize)
		for _, fm := range r.rollupsBetween(r.fiveMin, hourStart, hourStart+3599) {
			ru.absorbRollup(fm)
		}
		if ru.Count > 0 {
			r.hourly = append(r.hourly, ru)
		}
	}

	// Last completed UTC day, built from its hours.
	dayStart := now.UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour).Unix()
	if !r.hasRollup(r.daily, dayStart) {
		ru := newRollup(dayStart, 86400, r.resSize)
		for _, h := range r.rollupsBetween(r.hourly, dayStart, dayStart+86399) {
			ru.absorbRollup(h)
		}
		if ru.Count > 0 {
			r.daily = append(r.daily, ru)
		}
	}

	r.fiveMin = prune(r.fiveMin, now.Add(-fiveMinRetention).Unix())
	r.hourly = prune(r.hourly, now.Add(-hourlyRetention).Unix())
	r.daily = prune(r.daily, now.Add(-dailyRetention).Unix())
}

func (r *Recorder) hasRollup(band []*rollup, start int64) bool {
	for i := len(band) - 1; i >= 0; i-- {
		if band[i].Start == start {
			return true
		}
		if band[i].Start < start {
			break
		}
	}
	return false
}

func (r *Recorder) rollupsBetween(band []*rollup, from, to int64) []*rollup {
	var out []*rollup
	for _, ru := range band {
		if ru.Start >= from && ru.Start <= to {
			out = append(out, ru)
		}
	}
	return out
}

func prune(band []*rollup, cutoff int64) []*rollup {
	i := 0
	for i < len(band) && band[i].Start < cutoff {
		i++
	}
	return band[i:]
}
