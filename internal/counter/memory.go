package counter

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	count     int64
	expiresAt time.Time
}

// Memory is the single-worker in-process fallback.
type Memory struct {
	mu      sync.Mutex
	items   map[string]*memCounter
	stopCh  chan struct{}
	stopped sync.Once
}

// NewMemory creates an in-process counter with a background sweep.
func NewMemory() *Memory {
	m := &Memory{
		items:  make(map[string]*memCounter),
		stopCh: make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.live(key)
	if c == nil {
		c = &memCounter{}
		m.items[key] = c
	}
	c.count++
	return c.count, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.live(key)
	if c == nil {
		return 0, nil
	}
	return c.count, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.live(key); c != nil {
		c.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) Close() error {
	m.stopped.Do(func() { close(m.stopCh) })
	return nil
}

// live returns the counter for key, dropping it lazily if expired.
// Caller holds m.mu.
func (m *Memory) live(key string) *memCounter {
	c, ok := m.items[key]
	if !ok {
		return nil
	}
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		delete(m.items, key)
		return nil
	}
	return c
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, c := range m.items {
				if !c.expiresAt.IsZero() && now.After(c.expiresAt) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
