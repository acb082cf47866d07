// Package cache is the key-prefixed, TTL-bounded cache fronting the
// config store. Reads are cache-aside: the orchestrator populates on
// miss and invalidates on write; the cache never writes to the store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Named prefixes. Every cached object lives under exactly one.
const (
	APICache                = "api_cache"
	APIIDCache              = "api_id_cache"
	EndpointCache           = "endpoint_cache"
	EndpointValidationCache = "endpoint_validation_cache"
	GroupCache              = "group_cache"
	RoleCache               = "role_cache"
	UserCache               = "user_cache"
	UserGroupCache          = "user_group_cache"
	UserRoleCache           = "user_role_cache"
	UserSubscriptionCache   = "user_subscription_cache"
	EndpointServerCache     = "endpoint_server_cache"
	EndpointLoadBalancer    = "endpoint_load_balancer"
	ClientRoutingCache      = "client_routing_cache"
	CreditDefCache          = "credit_def_cache"
	OpenAPICache            = "openapi_cache"
	WSDLCache               = "wsdl_cache"
)

// DefaultTTL applies to any prefix without an explicit entry.
const DefaultTTL = 86400 * time.Second

// prefixTTLs narrows TTLs for the volatile prefixes.
var prefixTTLs = map[string]time.Duration{
	EndpointLoadBalancer: time.Hour,
	WSDLCache:            6 * time.Hour,
	OpenAPICache:         6 * time.Hour,
}

// Backend abstracts the storage (in-process LRU or Redis).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeleteByPrefix(ctx context.Context, prefix string)
	Purge(ctx context.Context)
	Ping(ctx context.Context) error
}

// Cache is the prefixed facade over a Backend. Values are JSON-encoded;
// encoding/json base64-normalizes raw []byte inputs, so binary payloads
// (WSDL bodies, descriptor sets) are safe to cache.
type Cache struct {
	backend Backend
}

// New creates a cache over the given backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// TTLFor returns the effective TTL for a prefix.
func TTLFor(prefix string) time.Duration {
	if ttl, ok := prefixTTLs[prefix]; ok {
		return ttl
	}
	return DefaultTTL
}

func fullKey(prefix, key string) string {
	return prefix + ":" + key
}

// Get decodes the cached value under (prefix, key) into out. The second
// return distinguishes a miss from a decode failure.
func (c *Cache) Get(ctx context.Context, prefix, key string, out any) (bool, error) {
	raw, ok := c.backend.Get(ctx, fullKey(prefix, key))
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Corrupt entry; drop it so the next read refills from the store.
		c.backend.Delete(ctx, fullKey(prefix, key))
		return false, fmt.Errorf("cache: decode %s:%s: %w", prefix, key, err)
	}
	return true, nil
}

// Set stores a value under (prefix, key) with the prefix default TTL.
func (c *Cache) Set(ctx context.Context, prefix, key string, v any) error {
	return c.SetTTL(ctx, prefix, key, v, TTLFor(prefix))
}

// SetTTL stores a value with an explicit TTL.
func (c *Cache) SetTTL(ctx context.Context, prefix, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s:%s: %w", prefix, key, err)
	}
	c.backend.Set(ctx, fullKey(prefix, key), raw, ttl)
	return nil
}

// Delete removes one entry.
func (c *Cache) Delete(ctx context.Context, prefix, key string) {
	c.backend.Delete(ctx, fullKey(prefix, key))
}

// ClearPrefix removes every entry under a prefix.
func (c *Cache) ClearPrefix(ctx context.Context, prefix string) {
	c.backend.DeleteByPrefix(ctx, prefix+":")
}

// ClearAll empties the cache.
func (c *Cache) ClearAll(ctx context.Context) {
	c.backend.Purge(ctx)
}

// HealthCheck round-trips a sentinel value through the backend.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		return err
	}
	sentinel := uuid.NewString()
	key := fullKey("health", sentinel)
	c.backend.Set(ctx, key, []byte(sentinel), 10*time.Second)
	got, ok := c.backend.Get(ctx, key)
	c.backend.Delete(ctx, key)
	if !ok || string(got) != sentinel {
		return fmt.Errorf("cache: sentinel round-trip failed")
	}
	return nil
}
