// Package metrics aggregates gateway traffic in memory: a ring of
// 1440 one-minute buckets, multi-level rollups, and a bounded latency
// reservoir per bucket for percentile estimates. Recording is O(1) and
// lock-scoped; snapshots merge on read.
package metrics

import (
	"math/rand"
	"sync"
	"time"
)

const (
	ringMinutes      = 1440
	defaultReservoir = 500
)

// Sample is one completed gateway request.
type Sample struct {
	Status   int
	Duration time.Duration
	Username string
	APIKey   string // "rest:customers"
	Endpoint string // "GET /items"
	BytesIn  int64
	BytesOut int64
}

// reservoir holds a bounded uniform sample of latencies (algorithm R).
type reservoir struct {
	values []float64 // milliseconds
	seen   int64
	cap    int
}

func newReservoir(capacity int) *reservoir {
	return &reservoir{cap: capacity}
}

func (r *reservoir) add(ms float64) {
	r.seen++
	if len(r.values) < r.cap {
		r.values = append(r.values, ms)
		return
	}
	if i := rand.Int63n(r.seen); i < int64(r.cap) {
		r.values[i] = ms
	}
}

func (r *reservoir) merge(other *reservoir) {
	for _, v := range other.values {
		r.add(v)
	}
}

type endpointBucket struct {
	Count   int64 `json:"count"`
	Errors  int64 `json:"errors"`
	TotalMS int64 `json:"total_ms"`
}

// bucket accumulates one minute of traffic.
type bucket struct {
	Minute    int64                      `json:"minute"` // unix time / 60
	Count     int64                      `json:"count"`
	Errors    int64                      `json:"errors"`
	TotalMS   int64                      `json:"total_ms"`
	BytesIn   int64                      `json:"bytes_in"`
	BytesOut  int64                      `json:"bytes_out"`
	Statuses  map[int]int64              `json:"statuses"`
	APIs      map[string]int64           `json:"apis"`
	Users     map[string]int64           `json:"users"`
	Endpoints map[string]*endpointBucket `json:"endpoints"`
	Unique    map[string]bool            `json:"unique_users,omitempty"`
	Latencies []float64                  `json:"latencies,omitempty"`
	Seen      int64                      `json:"latency_seen,omitempty"`

	res *reservoir
}

func newBucket(minute int64, resSize int) *bucket {
	return &bucket{
		Minute:    minute,
		Statuses:  make(map[int]int64),
		APIs:      make(map[string]int64),
		Users:     make(map[string]int64),
		Endpoints: make(map[string]*endpointBucket),
		Unique:    make(map[string]bool),
		res:       newReservoir(resSize),
	}
}

func (b *bucket) record(s Sample) {
	ms := s.Duration.Milliseconds()
	b.Count++
	b.TotalMS += ms
	b.BytesIn += s.BytesIn
	b.BytesOut += s.BytesOut
	b.Statuses[s.Status]++
	if s.Status >= 500 {
		b.Errors++
	}
	if s.APIKey != "" {
		b.APIs[s.APIKey]++
	}
	if s.Username != "" {
		b.Users[s.Username]++
		b.Unique[s.Username] = true
	}
	if s.Endpoint != "" {
		eb := b.Endpoints[s.Endpoint]
		if eb == nil {
			eb = &endpointBucket{}
			b.Endpoints[s.Endpoint] = eb
		}
		eb.Count++
		eb.TotalMS += ms
		if s.Status >= 500 {
			eb.Errors++
		}
	}
	b.res.add(float64(s.Duration.Microseconds()) / 1000)
}

// Recorder is the in-memory aggregation store.
type Recorder struct {
	mu      sync.Mutex
	ring    [ringMinutes]*bucket
	resSize int

	fiveMin []*rollup
	hourly  []*rollup
	daily   []*rollup

	prom *promMetrics
	now  func() time.Time
}

// NewRecorder creates a recorder. percentileSamples bounds the latency
// reservoir per bucket; zero selects the default of 500.
func NewRecorder(percentileSamples int) *Recorder {
	if percentileSamples <= 0 {
		percentileSamples = defaultReservoir
	}
	return &Recorder{
		resSize: percentileSamples,
		prom:    newPromMetrics(),
		now:     time.Now,
	}
}

// Record folds one request into the current minute bucket and the
// Prometheus registry. Fire-and-forget from the pipeline.
func (r *Recorder) Record(s Sample) {
	r.mu.Lock()
	r.currentBucket().record(s)
	r.mu.Unlock()
	r.prom.record(s)
}

// RecordRetry counts one retried upstream attempt.
func (r *Recorder) RecordRetry(apiKey string) {
	r.prom.recordRetry(apiKey)
}

// currentBucket returns the live bucket, resetting a ring slot whose
// tagged minute has lapsed. Caller holds the lock.
func (r *Recorder) currentBucket() *bucket {
	minute := r.now().Unix() / 60
	slot := minute % ringMinutes
	b := r.ring[slot]
	if b == nil || b.Minute != minute {
		b = newBucket(minute, r.resSize)
		r.ring[slot] = b
	}
	return b
}

// bucketsBetween returns live minute buckets in [from, to] (unix/60),
// oldest first. Caller holds the lock.
func (r *Recorder) bucketsBetween(from, to int64) []*bucket {
	var out []*bucket
	for m := from; m <= to; m++ {
		if b := r.ring[m%ringMinutes]; b != nil && b.Minute == m {
			out = append(out, b)
		}
	}
	return out
}
