package auth

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doorman-project/doorman/internal/logging"
)

// Blacklist is the invalidation set for tokens logged out before expiry.
type Blacklist interface {
	Add(ctx context.Context, sub, jti string, exp time.Time) error
	Contains(ctx context.Context, sub, jti string) (bool, error)
	// PurgeExpired drops entries whose tokens have expired and returns
	// the number removed. The Redis backend expires entries natively.
	PurgeExpired(ctx context.Context) int
}

// blEntry is one revoked token in a user's heap.
type blEntry struct {
	jti string
	exp time.Time
}

// expHeap is a min-heap ordered by token expiry.
type expHeap []blEntry

func (h expHeap) Len() int           { return len(h) }
func (h expHeap) Less(i, j int) bool { return h[i].exp.Before(h[j].exp) }
func (h expHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expHeap) Push(x any)        { *h = append(*h, x.(blEntry)) }
func (h *expHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// userBlacklist pairs the heap with a set for O(1) membership.
type userBlacklist struct {
	heap expHeap
	jtis map[string]time.Time
}

// MemoryBlacklist keeps a per-username min-heap keyed by token expiry.
type MemoryBlacklist struct {
	mu    sync.Mutex
	users map[string]*userBlacklist
}

// NewMemoryBlacklist creates an in-process blacklist.
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{users: make(map[string]*userBlacklist)}
}

func (b *MemoryBlacklist) Add(_ context.Context, sub, jti string, exp time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[sub]
	if !ok {
		u = &userBlacklist{jtis: make(map[string]time.Time)}
		b.users[sub] = u
	}
	if _, dup := u.jtis[jti]; dup {
		return nil
	}
	u.jtis[jti] = exp
	heap.Push(&u.heap, blEntry{jti: jti, exp: exp})
	return nil
}

func (b *MemoryBlacklist) Contains(_ context.Context, sub, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[sub]
	if !ok {
		return false, nil
	}
	exp, present := u.jtis[jti]
	if !present {
		return false, nil
	}
	if time.Now().After(exp) {
		// Entry outlived its token; it no longer blocks anything.
		return false, nil
	}
	return true, nil
}

func (b *MemoryBlacklist) PurgeExpired(_ context.Context) int {
	now := time.Now()
	purged := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub, u := range b.users {
		for u.heap.Len() > 0 && now.After(u.heap[0].exp) {
			e := heap.Pop(&u.heap).(blEntry)
			delete(u.jtis, e.jti)
			purged++
		}
		if u.heap.Len() == 0 {
			delete(b.users, sub)
		}
	}
	return purged
}

// RedisBlacklist shares revocations across workers. Entries carry a TTL
// equal to the token's remaining life, so Redis expiry replaces the
// purge task.
type RedisBlacklist struct {
	client *redis.Client
	prefix string
}

// NewRedisBlacklist creates a Redis-backed blacklist.
func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client, prefix: "doorman:blacklist:"}
}

func (b *RedisBlacklist) key(sub, jti string) string {
	return b.prefix + sub + ":" + jti
}

func (b *RedisBlacklist) Add(ctx context.Context, sub, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	err := b.client.Set(ctx, b.key(sub, jti), "1", ttl).Err()
	if err != nil {
		logging.Warn("blacklist Redis SET failed", zap.Error(err))
	}
	return err
}

// Contains fails open on backend errors: a revoked token slipping
// through during an outage is preferred over rejecting all traffic.
func (b *RedisBlacklist) Contains(ctx context.Context, sub, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(sub, jti)).Result()
	if err != nil {
		logging.Warn("blacklist Redis lookup failed, failing open", zap.Error(err))
		return false, nil
	}
	return n > 0, nil
}

func (b *RedisBlacklist) PurgeExpired(context.Context) int { return 0 }
