package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/doorman-project/doorman/internal/config"
)

// breakerState is the classic three-state circuit.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker short-circuits dispatch to one API after repeated upstream
// failures, probing recovery with a bounded number of half-open calls.
type Breaker struct {
	mu               sync.Mutex
	state            breakerState
	failureCount     int
	successCount     int
	halfOpenCount    int
	failureThreshold int
	successThreshold int
	halfOpenRequests int
	openTimeout      time.Duration
	lastFailure      time.Time

	totalRejected atomic.Int64
}

// NewBreaker creates a breaker with config defaults applied.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	ft := cfg.FailureThreshold
	if ft <= 0 {
		ft = 5
	}
	st := cfg.SuccessThreshold
	if st <= 0 {
		st = 2
	}
	ho := cfg.HalfOpenRequests
	if ho <= 0 {
		ho = 1
	}
	to := cfg.OpenTimeout
	if to <= 0 {
		to = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: ft,
		successThreshold: st,
		halfOpenRequests: ho,
		openTimeout:      to,
	}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFailure) >= b.openTimeout {
			b.state = stateHalfOpen
			b.halfOpenCount = 1
			b.successCount = 0
			b.failureCount = 0
			return true
		}
		b.totalRejected.Add(1)
		return false
	case stateHalfOpen:
		if b.halfOpenCount < b.halfOpenRequests {
			b.halfOpenCount++
			return true
		}
		b.totalRejected.Add(1)
		return false
	}
	return false
}

// RecordSuccess counts one successful dispatch.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		b.failureCount = 0
	case stateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = stateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCount = 0
		}
	}
}

// RecordFailure counts one failed dispatch.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = stateOpen
			b.lastFailure = time.Now()
		}
	case stateHalfOpen:
		b.state = stateOpen
		b.lastFailure = time.Now()
		b.halfOpenCount = 0
		b.successCount = 0
	}
}

// State returns the current state name for monitoring.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// BreakerSet manages one breaker per API id, created lazily.
type BreakerSet struct {
	mu       sync.RWMutex
	cfg      config.BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates the per-API breaker registry.
func NewBreakerSet(cfg config.BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an API id, or nil when breaking is
// disabled.
func (s *BreakerSet) Get(apiID string) *Breaker {
	s.mu.RLock()
	enabled := s.cfg.Enabled
	b, ok := s.breakers[apiID]
	s.mu.RUnlock()
	if !enabled {
		return nil
	}
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[apiID]; ok {
		return b
	}
	b = NewBreaker(s.cfg)
	s.breakers[apiID] = b
	return b
}

// SetConfig swaps breaker parameters on hot reload. Existing breakers
// keep their state; new breakers use the new parameters.
func (s *BreakerSet) SetConfig(cfg config.BreakerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// States snapshots every breaker's state for the monitor surface.
func (s *BreakerSet) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State()
	}
	return out
}
