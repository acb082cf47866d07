package cache

import "context"

// Invalidator clears both the primary key and every derived index key
// for an entity write. All admin-surface mutations route through these
// helpers so the cache-aside contract holds.
type Invalidator struct {
	cache *Cache
}

// NewInvalidator wraps a cache with entity-aware invalidation.
func NewInvalidator(c *Cache) *Invalidator {
	return &Invalidator{cache: c}
}

// API clears the name/version key, the derived path key, and the
// per-API derived caches.
func (iv *Invalidator) API(ctx context.Context, name, version string) {
	nv := name + "/" + version
	iv.cache.Delete(ctx, APICache, nv)
	iv.cache.Delete(ctx, APIIDCache, "/"+nv)
	iv.cache.Delete(ctx, EndpointServerCache, nv)
	iv.cache.Delete(ctx, EndpointLoadBalancer, nv)
	iv.cache.Delete(ctx, WSDLCache, nv)
	iv.cache.Delete(ctx, OpenAPICache, nv)
}

// Endpoint clears the endpoint list and validation schema for an API.
func (iv *Invalidator) Endpoint(ctx context.Context, apiName, apiVersion string) {
	nv := apiName + "/" + apiVersion
	iv.cache.Delete(ctx, EndpointCache, nv)
	iv.cache.ClearPrefix(ctx, EndpointValidationCache)
}

// User clears the user record and its derived role/group/subscription
// projections.
func (iv *Invalidator) User(ctx context.Context, username string) {
	iv.cache.Delete(ctx, UserCache, username)
	iv.cache.Delete(ctx, UserGroupCache, username)
	iv.cache.Delete(ctx, UserRoleCache, username)
	iv.cache.Delete(ctx, UserSubscriptionCache, username)
}

// Group membership changes can affect any user projection.
func (iv *Invalidator) Group(ctx context.Context, groupName string) {
	iv.cache.Delete(ctx, GroupCache, groupName)
	iv.cache.ClearPrefix(ctx, UserGroupCache)
}

// Role permission changes can affect any user projection.
func (iv *Invalidator) Role(ctx context.Context, roleName string) {
	iv.cache.Delete(ctx, RoleCache, roleName)
	iv.cache.ClearPrefix(ctx, UserRoleCache)
}

// Subscription clears one user's subscription projection.
func (iv *Invalidator) Subscription(ctx context.Context, username string) {
	iv.cache.Delete(ctx, UserSubscriptionCache, username)
}

// Routing clears one client key's routing override.
func (iv *Invalidator) Routing(ctx context.Context, clientKey string) {
	iv.cache.Delete(ctx, ClientRoutingCache, clientKey)
}

// CreditDef clears one credit group definition.
func (iv *Invalidator) CreditDef(ctx context.Context, group string) {
	iv.cache.Delete(ctx, CreditDefCache, group)
}
