package repo

import (
	"context"
	"testing"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/store"
)

func newTestRepo(t *testing.T) (*Repo, *store.MemoryStore, *cache.Cache) {
	t.Helper()
	st := store.NewMemoryStore()
	c := cache.New(cache.NewMemoryBackend(64))
	return New(st, c), st, c
}

func insert(t *testing.T, st store.Store, coll string, v any) {
	t.Helper()
	doc, err := model.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := st.InsertOne(context.Background(), coll, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestGetAPICacheAside(t *testing.T) {
	r, st, c := newTestRepo(t)
	ctx := context.Background()
	insert(t, st, model.CollAPIs, model.API{
		ID: "a1", Name: "orders", Version: "v1", Type: model.APITypeREST,
		Servers: []string{"http://up"}, Active: true,
	})

	api, err := r.GetAPI(ctx, "orders", "v1")
	if err != nil {
		t.Fatalf("GetAPI: %v", err)
	}
	if api.ID != "a1" {
		t.Fatalf("id = %q", api.ID)
	}

	// The store is not consulted again until invalidation: a direct
	// mutation stays invisible.
	if err := st.UpdateOne(ctx, model.CollAPIs, store.Filter{"api_id": "a1"},
		store.Doc{"api_active": false}); err != nil {
		t.Fatalf("update: %v", err)
	}
	api, err = r.GetAPI(ctx, "orders", "v1")
	if err != nil {
		t.Fatalf("GetAPI cached: %v", err)
	}
	if !api.Active {
		t.Fatal("cached read unexpectedly refreshed")
	}

	cache.NewInvalidator(c).API(ctx, "orders", "v1")
	api, err = r.GetAPI(ctx, "orders", "v1")
	if err != nil {
		t.Fatalf("GetAPI after invalidate: %v", err)
	}
	if api.Active {
		t.Fatal("invalidate did not refill from the store")
	}
}

func TestGetAPIResolvesThroughIDCache(t *testing.T) {
	r, st, c := newTestRepo(t)
	ctx := context.Background()
	insert(t, st, model.CollAPIs, model.API{
		ID: "a1", Name: "orders", Version: "v1", Type: model.APITypeREST,
		Servers: []string{"http://up"}, Active: true,
	})

	// Populate both cache layers, then drop only the full record.
	if _, err := r.GetAPI(ctx, "orders", "v1"); err != nil {
		t.Fatalf("GetAPI: %v", err)
	}
	c.Delete(ctx, cache.APICache, "orders/v1")

	api, err := r.GetAPI(ctx, "orders", "v1")
	if err != nil {
		t.Fatalf("GetAPI via id cache: %v", err)
	}
	if api.ID != "a1" {
		t.Fatalf("id = %q", api.ID)
	}
}

func TestGetSubscriptionAbsentIsEmpty(t *testing.T) {
	r, _, _ := newTestRepo(t)
	sub, err := r.GetSubscription(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.Username != "nobody" || len(sub.APIs) != 0 {
		t.Fatalf("sub = %+v", sub)
	}
}

func TestGetRoutingAbsentIsNil(t *testing.T) {
	r, _, _ := newTestRepo(t)
	rt, err := r.GetRouting(context.Background(), "no-key")
	if err != nil {
		t.Fatalf("GetRouting: %v", err)
	}
	if rt != nil {
		t.Fatalf("routing = %+v", rt)
	}
}
