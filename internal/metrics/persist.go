package metrics

import (
	"encoding/json"
)

// persisted is the snapshot image of the recorder.
type persisted struct {
	Buckets []*bucket `json:"buckets"`
	FiveMin []*rollup `json:"five_min"`
	Hourly  []*rollup `json:"hourly"`
	Daily   []*rollup `json:"daily"`
}

// Export serializes the bucket ring and rollup bands for inclusion in
// the store snapshot.
func (r *Recorder) Export() (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var p persisted
	for _, b := range r.ring {
		if b == nil {
			continue
		}
		b.Latencies = b.res.values
		b.Seen = b.res.seen
		p.Buckets = append(p.Buckets, b)
	}
	p.FiveMin = r.fiveMin
	p.Hourly = r.hourly
	p.Daily = r.daily
	return json.Marshal(p)
}

// Import restores a previously exported image. Buckets whose minute no
// longer falls inside the 24h ring are dropped.
func (r *Recorder) Import(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	horizon := r.now().Unix()/60 - ringMinutes + 1
	for _, b := range p.Buckets {
		if b.Minute < horizon {
			continue
		}
		b.res = r.rebuildReservoir(b.Latencies, b.Seen)
		if b.Unique == nil {
			b.Unique = make(map[string]bool)
		}
		r.ring[b.Minute%ringMinutes] = b
	}
	for _, ru := range p.FiveMin {
		ru.res = r.rebuildReservoir(ru.Latency, 0)
	}
	for _, ru := range p.Hourly {
		ru.res = r.rebuildReservoir(ru.Latency, 0)
	}
	for _, ru := range p.Daily {
		ru.res = r.rebuildReservoir(ru.Latency, 0)
	}
	r.fiveMin = p.FiveMin
	r.hourly = p.Hourly
	r.daily = p.Daily
	return nil
}

func (r *Recorder) rebuildReservoir(values []float64, seen int64) *reservoir {
	res := newReservoir(r.resSize)
	res.values = values
	res.seen = seen
	if res.seen < int64(len(values)) {
		res.seen = int64(len(values))
	}
	return res
}
