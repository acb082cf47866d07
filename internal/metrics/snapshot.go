package metrics

import (
	"sort"
	"time"
)

// Granularity names returned by Query.
const (
	GranFiveMin = "5min"
	GranHour    = "hour"
	GranDay     = "day"
)

// NameCount is one top-N entry.
type NameCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// SeriesPoint is one time-series element.
type SeriesPoint struct {
	Start  time.Time `json:"start"`
	Count  int64     `json:"count"`
	Errors int64     `json:"errors"`
	AvgMS  float64   `json:"avg_ms"`
}

// Summary is the aggregate view of a time range.
type Summary struct {
	From          time.Time          `json:"from"`
	To            time.Time          `json:"to"`
	Granularity   string             `json:"granularity"`
	TotalRequests int64              `json:"total_requests"`
	TotalErrors   int64              `json:"total_errors"`
	AvgMS         float64            `json:"avg_ms"`
	BytesIn       int64              `json:"bytes_in"`
	BytesOut      int64              `json:"bytes_out"`
	Statuses      map[int]int64      `json:"statuses"`
	TopAPIs       []NameCount        `json:"top_apis"`
	TopUsers      []NameCount        `json:"top_users"`
	Percentiles   map[string]float64 `json:"percentiles"`
	Series        []SeriesPoint      `json:"series"`
}

// Query aggregates the range [from, to]. Granularity auto-selects by
// span: up to 24h from the minute ring in 5-minute points, up to 7d
// from hourly rollups, beyond that from daily rollups.
func (r *Recorder) Query(from, to time.Time, topN int) *Summary {
	if to.Before(from) {
		from, to = to, from
	}
	if topN <= 0 {
		topN = 10
	}
	span := to.Sub(from)

	r.mu.Lock()
	defer r.mu.Unlock()

	total := newRollup(from.Unix(), int64(span/time.Second), r.resSize)
	var series []SeriesPoint
	var gran string

	switch {
	case span <= 24*time.Hour:
		gran = GranFiveMin
		start := from.Unix() / 300 * 300
		for t := start; t <= to.Unix(); t += 300 {
			point := newRollup(t, 300, r.resSize)
			for _, b := range r.bucketsBetween(t/60, t/60+4) {
				point.absorb(b)
				total.absorb(b)
			}
			series = append(series, seriesPoint(point))
		}
	case span <= 7*24*time.Hour:
		gran = GranHour
		for _, ru := range r.rollupsBetween(r.hourly, from.Unix(), to.Unix()) {
			total.absorbRollup(ru)
			series = append(series, seriesPoint(ru))
		}
	default:
		gran = GranDay
		for _, ru := range r.rollupsBetween(r.daily, from.Unix(), to.Unix()) {
			total.absorbRollup(ru)
			series = append(series, seriesPoint(ru))
		}
	}

	return &Summary{
		From:          from,
		To:            to,
		Granularity:   gran,
		TotalRequests: total.Count,
		TotalErrors:   total.Errors,
		AvgMS:         avgMS(total.Count, total.TotalMS),
		BytesIn:       total.BytesIn,
		BytesOut:      total.BytesOut,
		Statuses:      total.Statuses,
		TopAPIs:       topCounts(total.APIs, topN),
		TopUsers:      topCounts(total.Users, topN),
		Percentiles:   percentiles(total.res.values),
		Series:        series,
	}
}

func seriesPoint(ru *rollup) SeriesPoint {
	return SeriesPoint{
		Start:  time.Unix(ru.Start, 0).UTC(),
		Count:  ru.Count,
		Errors: ru.Errors,
		AvgMS:  avgMS(ru.Count, ru.TotalMS),
	}
}

func avgMS(count, totalMS int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(totalMS) / float64(count)
}

func topCounts(m map[string]int64, n int) []NameCount {
	out := make([]NameCount, 0, len(m))
	for name, count := range m {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// percentiles computes p50..p99 by nearest-rank over the merged
// reservoir.
func percentiles(values []float64) map[string]float64 {
	out := map[string]float64{"p50": 0, "p75": 0, "p90": 0, "p95": 0, "p99": 0}
	if len(values) == 0 {
		return out
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := func(p float64) float64 {
		i := int(p/100*float64(len(sorted))+0.5) - 1
		if i < 0 {
			i = 0
		}
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}
	out["p50"] = rank(50)
	out["p75"] = rank(75)
	out["p90"] = rank(90)
	out["p95"] = rank(95)
	out["p99"] = rank(99)
	return out
}
