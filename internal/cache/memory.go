package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// memEntry carries its own deadline because prefixes have distinct TTLs
// while the LRU enforces a single upper bound.
type memEntry struct {
	val       []byte
	expiresAt time.Time
}

// MemoryBackend is an in-process LRU with per-entry TTLs. The LRU's own
// TTL acts as the upper bound; eviction is TTL-based with LRU tie-break
// under the size cap.
type MemoryBackend struct {
	lru       *expirable.LRU[string, memEntry]
	mu        sync.Mutex // protects DeleteByPrefix atomicity
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryBackend creates an in-process backend with the given size cap.
func NewMemoryBackend(maxSize int) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = 10000
	}
	b := &MemoryBackend{maxSize: maxSize}
	b.lru = expirable.NewLRU[string, memEntry](maxSize, func(string, memEntry) {
		b.evictions.Add(1)
	}, DefaultTTL)
	return b
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := b.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		b.lru.Remove(key)
		return nil, false
	}
	return e.val, true
}

func (b *MemoryBackend) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b.lru.Add(key, memEntry{val: val, expiresAt: time.Now().Add(ttl)})
}

func (b *MemoryBackend) Delete(_ context.Context, key string) {
	b.lru.Remove(key)
}

func (b *MemoryBackend) DeleteByPrefix(_ context.Context, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range b.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			b.lru.Remove(key)
		}
	}
}

func (b *MemoryBackend) Purge(_ context.Context) {
	b.lru.Purge()
}

func (b *MemoryBackend) Ping(_ context.Context) error { return nil }

// Evictions reports the number of size-cap evictions.
func (b *MemoryBackend) Evictions() int64 {
	return b.evictions.Load()
}
