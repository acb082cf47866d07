package proxy

import (
	"context"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/model"
)

// Balancer hands out server orderings. The round-robin position lives
// in the cache keyed by api_id, so rotation survives restarts in
// distributed mode and is shared across workers.
type Balancer struct {
	cache *cache.Cache
}

// NewBalancer creates a balancer over the shared cache.
func NewBalancer(c *cache.Cache) *Balancer {
	return &Balancer{cache: c}
}

// Order returns the API's servers rotated to the current round-robin
// position, advancing the position by one. A routing override with its
// own server list replaces the API's list entirely.
func (b *Balancer) Order(ctx context.Context, api *model.API, routing *model.Routing) []string {
	servers := api.Servers
	if routing != nil && len(routing.Servers) > 0 {
		servers = routing.Servers
	}
	if len(servers) <= 1 {
		return servers
	}

	var pos int
	b.cache.Get(ctx, cache.EndpointLoadBalancer, api.ID, &pos)
	pos = pos % len(servers)
	b.cache.Set(ctx, cache.EndpointLoadBalancer, api.ID, (pos+1)%len(servers))

	out := make([]string, len(servers))
	for i := range servers {
		out[i] = servers[(pos+i)%len(servers)]
	}
	return out
}
