// Package repo provides cache-aside reads of config entities. Every
// lookup consults the cache first, falls back to the store facade, and
// populates the cache on miss. Writes happen on the admin surface and
// invalidate through cache.Invalidator; repo never writes.
package repo

import (
	"context"
	stderrors "errors"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/store"
)

// Repo reads config entities through the cache.
type Repo struct {
	store store.Store
	cache *cache.Cache
}

// New creates a repository over a store and cache.
func New(st store.Store, c *cache.Cache) *Repo {
	return &Repo{store: st, cache: c}
}

// ErrNotFound is re-exported so callers need not import store.
var ErrNotFound = store.ErrNotFound

// cachedOne resolves one document cache-aside: decode from prefix/key,
// else FindOne and populate.
func cachedOne[T any](ctx context.Context, r *Repo, prefix, key, coll string, filter store.Filter) (*T, error) {
	var out T
	if ok, _ := r.cache.Get(ctx, prefix, key, &out); ok {
		return &out, nil
	}
	doc, err := r.store.FindOne(ctx, coll, filter)
	if err != nil {
		return nil, err
	}
	if err := model.Decode(doc, &out); err != nil {
		return nil, err
	}
	r.cache.Set(ctx, prefix, key, out)
	return &out, nil
}

// GetAPI resolves an API by name and version, checking api_cache then
// the derived api_id_cache path key, then the store.
func (r *Repo) GetAPI(ctx context.Context, name, version string) (*model.API, error) {
	nv := name + "/" + version

	var api model.API
	if ok, _ := r.cache.Get(ctx, cache.APICache, nv, &api); ok {
		return &api, nil
	}
	var id string
	if ok, _ := r.cache.Get(ctx, cache.APIIDCache, "/"+nv, &id); ok {
		doc, err := r.store.FindOne(ctx, model.CollAPIs, store.Filter{"api_id": id})
		if err == nil {
			if err := model.Decode(doc, &api); err == nil {
				r.cache.Set(ctx, cache.APICache, nv, api)
				return &api, nil
			}
		}
	}
	doc, err := r.store.FindOne(ctx, model.CollAPIs, store.Filter{
		"api_name":    name,
		"api_version": version,
	})
	if err != nil {
		return nil, err
	}
	if err := model.Decode(doc, &api); err != nil {
		return nil, err
	}
	r.cache.Set(ctx, cache.APICache, nv, api)
	r.cache.Set(ctx, cache.APIIDCache, "/"+nv, api.ID)
	return &api, nil
}

// ListEndpoints returns every endpoint of an API.
func (r *Repo) ListEndpoints(ctx context.Context, name, version string) ([]model.Endpoint, error) {
	nv := name + "/" + version
	var eps []model.Endpoint
	if ok, _ := r.cache.Get(ctx, cache.EndpointCache, nv, &eps); ok {
		return eps, nil
	}
	docs, err := r.store.FindList(ctx, model.CollEndpoints, store.Filter{
		"api_name":    name,
		"api_version": version,
	})
	if err != nil {
		return nil, err
	}
	eps = make([]model.Endpoint, 0, len(docs))
	for _, d := range docs {
		var e model.Endpoint
		if err := model.Decode(d, &e); err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}
	r.cache.Set(ctx, cache.EndpointCache, nv, eps)
	return eps, nil
}

// GetUser resolves a user record.
func (r *Repo) GetUser(ctx context.Context, username string) (*model.User, error) {
	return cachedOne[model.User](ctx, r, cache.UserCache, username,
		model.CollUsers, store.Filter{"username": username})
}

// GetRole resolves a role record.
func (r *Repo) GetRole(ctx context.Context, roleName string) (*model.Role, error) {
	return cachedOne[model.Role](ctx, r, cache.RoleCache, roleName,
		model.CollRoles, store.Filter{"role_name": roleName})
}

// GetGroup resolves a group record.
func (r *Repo) GetGroup(ctx context.Context, groupName string) (*model.Group, error) {
	return cachedOne[model.Group](ctx, r, cache.GroupCache, groupName,
		model.CollGroups, store.Filter{"group_name": groupName})
}

// GetSubscription resolves a user's subscription list. Absence is not
// an error; the caller receives an empty subscription.
func (r *Repo) GetSubscription(ctx context.Context, username string) (*model.Subscription, error) {
	sub, err := cachedOne[model.Subscription](ctx, r, cache.UserSubscriptionCache, username,
		model.CollSubscriptions, store.Filter{"username": username})
	if stderrors.Is(err, store.ErrNotFound) {
		return &model.Subscription{Username: username}, nil
	}
	return sub, err
}

// GetRouting resolves a client-key routing override, nil when absent.
func (r *Repo) GetRouting(ctx context.Context, clientKey string) (*model.Routing, error) {
	rt, err := cachedOne[model.Routing](ctx, r, cache.ClientRoutingCache, clientKey,
		model.CollRoutings, store.Filter{"client_key": clientKey})
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rt, err
}

// GetCreditDef resolves a credit group definition.
func (r *Repo) GetCreditDef(ctx context.Context, group string) (*model.CreditDef, error) {
	return cachedOne[model.CreditDef](ctx, r, cache.CreditDefCache, group,
		model.CollCreditDefs, store.Filter{"api_credit_group": group})
}

// ListVaultEntries returns a user's vault rows. Sealed values are
// deliberately never cached.
func (r *Repo) ListVaultEntries(ctx context.Context, username string) ([]model.VaultEntry, error) {
	docs, err := r.store.FindList(ctx, model.CollVault, store.Filter{"username": username})
	if err != nil {
		return nil, err
	}
	entries := make([]model.VaultEntry, 0, len(docs))
	for _, d := range docs {
		var e model.VaultEntry
		if err := model.Decode(d, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Store exposes the underlying facade for components that must write
// (credit decrements) or read uncached.
func (r *Repo) Store() store.Store { return r.store }

// Cache exposes the cache for derived-key consumers (load balancer
// positions, WSDL blobs).
func (r *Repo) Cache() *cache.Cache { return r.cache }
