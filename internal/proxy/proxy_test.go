package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
)

func newTestDispatcher(t *testing.T, breaker config.BreakerConfig) *Dispatcher {
	t.Helper()
	c := cache.New(cache.NewMemoryBackend(64))
	upstream := config.UpstreamConfig{
		RequestTimeout:  2 * time.Second,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 2 * time.Millisecond,
	}
	d := NewDispatcher(c, upstream, breaker, false)
	t.Cleanup(func() { d.Close() })
	return d
}

func restAPI(servers ...string) *model.API {
	return &model.API{
		ID:      "api-1",
		Name:    "orders",
		Version: "v1",
		Type:    model.APITypeREST,
		Servers: servers,
		Active:  true,
	}
}

func newRequest(method, path, body string) *protocol.Request {
	return &protocol.Request{
		Method: method,
		Path:   path,
		Query:  map[string][]string{},
		Header: http.Header{},
		Body:   []byte(body),
	}
}

func TestDispatchREST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items/42" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(200)
		w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(t, config.BreakerConfig{})
	resp, err := d.Dispatch(context.Background(), restAPI(srv.URL), nil, nil, newRequest("GET", "/items/42", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if string(resp.Body) != `{"id":42}` {
		t.Fatalf("body = %s", resp.Body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatal("upstream header dropped")
	}
}

func TestDispatchRetriesAcrossServers(t *testing.T) {
	var good atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		good.Add(1)
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer broken.Close()

	api := restAPI(broken.URL, healthy.URL)
	api.AllowedRetryCount = 1
	d := newTestDispatcher(t, config.BreakerConfig{})
	resp, err := d.Dispatch(context.Background(), api, nil, nil, newRequest("GET", "/", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want failover to healthy server", resp.Status)
	}
	if good.Load() != 1 {
		t.Fatalf("healthy server hit %d times", good.Load())
	}
}

func TestDispatchRetryCountsRetries(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
	}))
	defer broken.Close()

	api := restAPI(broken.URL)
	api.AllowedRetryCount = 2
	d := newTestDispatcher(t, config.BreakerConfig{})
	var retries atomic.Int32
	d.OnRetry(func(string) { retries.Add(1) })

	resp, err := d.Dispatch(context.Background(), api, nil, nil, newRequest("GET", "/", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 502 {
		t.Fatalf("status = %d", resp.Status)
	}
	if retries.Load() != 2 {
		t.Fatalf("retries = %d, want 2", retries.Load())
	}
}

func TestDispatchConnectionRefused(t *testing.T) {
	// Reserve a port then close it so the address refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	d := newTestDispatcher(t, config.BreakerConfig{})
	_, err := d.Dispatch(context.Background(), restAPI(addr), nil, nil, newRequest("GET", "/", ""))
	ge, ok := errors.AsGatewayError(err)
	if !ok {
		t.Fatalf("err = %v, want gateway error", err)
	}
	if ge.ErrorCode != "UPS001" {
		t.Fatalf("code = %s, want UPS001", ge.ErrorCode)
	}
}

func TestDispatchTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	c := cache.New(cache.NewMemoryBackend(64))
	d := NewDispatcher(c, config.UpstreamConfig{
		RequestTimeout: 30 * time.Millisecond,
		RetryBackoff:   time.Millisecond,
	}, config.BreakerConfig{}, false)
	defer d.Close()

	_, err := d.Dispatch(context.Background(), restAPI(slow.URL), nil, nil, newRequest("GET", "/", ""))
	ge, ok := errors.AsGatewayError(err)
	if !ok {
		t.Fatalf("err = %v, want gateway error", err)
	}
	if ge.ErrorCode != "UPS002" {
		t.Fatalf("code = %s, want UPS002", ge.ErrorCode)
	}
}

func TestDispatchUnknownAPIType(t *testing.T) {
	d := newTestDispatcher(t, config.BreakerConfig{})
	api := restAPI("http://example.invalid")
	api.Type = "FTP"
	_, err := d.Dispatch(context.Background(), api, nil, nil, newRequest("GET", "/", ""))
	if err == nil {
		t.Fatal("expected error for unknown api type")
	}
}

func TestDispatchNoServers(t *testing.T) {
	d := newTestDispatcher(t, config.BreakerConfig{})
	_, err := d.Dispatch(context.Background(), restAPI(), nil, nil, newRequest("GET", "/", ""))
	ge, ok := errors.AsGatewayError(err)
	if !ok || ge.ErrorCode != "UPS001" {
		t.Fatalf("err = %v, want UPS001", err)
	}
}

func TestDispatchRoutingOverride(t *testing.T) {
	var hitCanary atomic.Bool
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("primary server should not be hit")
	}))
	defer primary.Close()
	canary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitCanary.Store(true)
		if r.Header.Get("X-Routed") != "canary" {
			t.Errorf("X-Routed = %q", r.Header.Get("X-Routed"))
		}
		w.WriteHeader(200)
	}))
	defer canary.Close()

	routing := &model.Routing{
		ClientKey:     "client-a",
		Servers:       []string{canary.URL},
		InjectHeaders: map[string]string{"X-Routed": "canary"},
	}
	d := newTestDispatcher(t, config.BreakerConfig{})
	resp, err := d.Dispatch(context.Background(), restAPI(primary.URL), nil, routing, newRequest("GET", "/", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 || !hitCanary.Load() {
		t.Fatal("routing override not honored")
	}
}

func TestDispatchAppliesTransforms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Stage") != "prod" {
			t.Errorf("request transform header missing")
		}
		w.WriteHeader(503)
		w.Write([]byte(`{"status":"degraded","internal":"secret"}`))
	}))
	defer srv.Close()

	api := restAPI(srv.URL)
	api.Transform = &model.TransformConfig{
		Request: &model.DirectionTransform{
			Headers: &model.HeaderTransform{Add: map[string]string{"X-Api-Stage": "prod"}},
		},
		Response: &model.DirectionTransform{
			Body:      &model.BodyTransform{Remove: []string{"internal"}},
			StatusMap: map[string]int{"503": 200},
		},
	}
	d := newTestDispatcher(t, config.BreakerConfig{})
	resp, err := d.Dispatch(context.Background(), api, nil, nil, newRequest("GET", "/", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want mapped 200", resp.Status)
	}
	if strings.Contains(string(resp.Body), "internal") {
		t.Fatalf("body = %s, internal field not removed", resp.Body)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(500)
	}))
	defer broken.Close()

	d := newTestDispatcher(t, config.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Hour,
		HalfOpenRequests: 1,
	})
	api := restAPI(broken.URL)
	ctx := context.Background()
	req := newRequest("GET", "/", "")

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(ctx, api, nil, nil, req); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	_, err := d.Dispatch(ctx, api, nil, nil, req)
	ge, ok := errors.AsGatewayError(err)
	if !ok || ge.ErrorCode != "UPS003" {
		t.Fatalf("err = %v, want UPS003 after breaker opens", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("upstream hit %d times after open", hits.Load())
	}
	if states := d.BreakerStates(); states["api-1"] != "open" {
		t.Fatalf("breaker state = %q", states["api-1"])
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(config.BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Millisecond,
		HalfOpenRequests: 1,
	})
	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must reject before timeout")
	}
	time.Sleep(2 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker must probe after open timeout")
	}
	if b.State() != "half_open" {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if b.Allow() {
		t.Fatal("half-open breaker must cap concurrent probes")
	}
	b.RecordSuccess()
	if b.State() != "closed" {
		t.Fatalf("state = %s, want closed after probe success", b.State())
	}
}

func TestBalancerRotates(t *testing.T) {
	b := NewBalancer(cache.New(cache.NewMemoryBackend(16)))
	api := restAPI("http://a", "http://b", "http://c")
	ctx := context.Background()

	first := b.Order(ctx, api, nil)
	second := b.Order(ctx, api, nil)
	if first[0] == second[0] {
		t.Fatalf("rotation did not advance: %v then %v", first, second)
	}
	if len(second) != 3 {
		t.Fatalf("order length = %d", len(second))
	}
	// Fourth call wraps back to the first ordering.
	b.Order(ctx, api, nil)
	fourth := b.Order(ctx, api, nil)
	if fourth[0] != first[0] {
		t.Fatalf("rotation did not wrap: %v vs %v", fourth, first)
	}
}

func TestBalancerSingleServer(t *testing.T) {
	b := NewBalancer(cache.New(cache.NewMemoryBackend(16)))
	api := restAPI("http://only")
	got := b.Order(context.Background(), api, nil)
	if len(got) != 1 || got[0] != "http://only" {
		t.Fatalf("order = %v", got)
	}
}
