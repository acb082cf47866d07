// Package proxy is the upstream dispatcher. From a resolved API,
// endpoint, and inbound request it performs one outbound call with
// load balancing, bounded retries, a per-API circuit breaker, and
// request/response transforms.
package proxy

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/logging"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
	"github.com/doorman-project/doorman/internal/proxy/protocol/graphql"
	grpcproto "github.com/doorman-project/doorman/internal/proxy/protocol/grpc"
	"github.com/doorman-project/doorman/internal/proxy/protocol/rest"
	"github.com/doorman-project/doorman/internal/proxy/protocol/soap"
)

// Dispatcher routes one request to one upstream response.
type Dispatcher struct {
	balancer *Balancer
	breakers *BreakerSet
	invokers map[string]protocol.Invoker
	grpc     *grpcproto.Invoker
	client   *http.Client

	mu  sync.RWMutex
	cfg config.UpstreamConfig

	// onRetry is invoked once per retried attempt, keyed by api_id.
	onRetry func(apiID string)
}

// NewDispatcher wires the protocol invokers over one shared HTTP
// client. Per-attempt timeouts come from the request context, not the
// client.
func NewDispatcher(c *cache.Cache, upstream config.UpstreamConfig, breaker config.BreakerConfig, grpcReflection bool) *Dispatcher {
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	g := grpcproto.New(grpcReflection)
	return &Dispatcher{
		balancer: NewBalancer(c),
		breakers: NewBreakerSet(breaker),
		invokers: map[string]protocol.Invoker{
			model.APITypeREST:    rest.New(client),
			model.APITypeSOAP:    soap.New(client),
			model.APITypeGraphQL: graphql.New(client),
			model.APITypeGRPC:    g,
		},
		grpc:    g,
		client:  client,
		cfg:     upstream,
		onRetry: func(string) {},
	}
}

// OnRetry registers the retry metrics hook.
func (d *Dispatcher) OnRetry(fn func(apiID string)) {
	if fn != nil {
		d.onRetry = fn
	}
}

// SetConfig applies hot-reloaded upstream and breaker parameters.
func (d *Dispatcher) SetConfig(upstream config.UpstreamConfig, breaker config.BreakerConfig) {
	d.mu.Lock()
	d.cfg = upstream
	d.mu.Unlock()
	d.breakers.SetConfig(breaker)
}

// Client exposes the shared HTTP client for WSDL and OpenAPI fetches.
func (d *Dispatcher) Client() *http.Client { return d.client }

// GRPC exposes the gRPC invoker for descriptor registration.
func (d *Dispatcher) GRPC() *grpcproto.Invoker { return d.grpc }

// BreakerStates reports breaker state per API for the monitor surface.
func (d *Dispatcher) BreakerStates() map[string]string {
	return d.breakers.States()
}

// Close releases pooled upstream connections.
func (d *Dispatcher) Close() error {
	d.client.CloseIdleConnections()
	return d.grpc.Close()
}

// Dispatch performs the outbound call. Attempts = 1 + the API's retry
// count; an attempt is retried on connection failure, timeout, or
// upstream 502/503/504, with exponential backoff between attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, api *model.API, ep *model.Endpoint, routing *model.Routing, req *protocol.Request) (*protocol.Response, error) {
	invoker, ok := d.invokers[api.Type]
	if !ok {
		return nil, errors.New(500, "ISE001", "no invoker for api type "+api.Type)
	}

	breaker := d.breakers.Get(api.ID)
	if breaker != nil && !breaker.Allow() {
		return nil, errors.ErrCircuitOpen
	}

	if routing != nil {
		for k, v := range routing.InjectHeaders {
			req.Header.Set(k, v)
		}
	}
	applyRequestTransform(api.Transform, req)
	if ep != nil {
		applyRequestTransform(ep.Transform, req)
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	servers := d.balancer.Order(ctx, api, routing)
	if len(servers) == 0 {
		return nil, errors.ErrUpstreamConnect.WithDetails("no upstream servers configured")
	}
	attempts := 1 + api.AllowedRetryCount
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	if cfg.RetryBackoff > 0 {
		bo.InitialInterval = cfg.RetryBackoff
	}
	if cfg.MaxRetryBackoff > 0 {
		bo.MaxInterval = cfg.MaxRetryBackoff
	}

	var (
		resp    *protocol.Response
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d.onRetry(api.ID)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, d.classify(ctx.Err())
			}
		}

		server := servers[attempt%len(servers)]
		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		}
		resp, lastErr = invoker.Invoke(attemptCtx, server, api, ep, req)
		if cancel != nil {
			cancel()
		}

		if !protocol.Retriable(resp, lastErr) {
			break
		}
		logging.Warn("upstream attempt failed",
			zap.String("api_id", api.ID),
			zap.String("server", server),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	if lastErr != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		return nil, d.classify(lastErr)
	}
	if breaker != nil {
		if resp.Status >= 500 {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	if ep != nil {
		applyResponseTransform(ep.Transform, resp)
	}
	applyResponseTransform(api.Transform, resp)
	return resp, nil
}

// classify maps transport errors onto the gateway error envelope.
func (d *Dispatcher) classify(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return errors.ErrUpstreamTimeout
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return errors.ErrUpstreamTimeout
	}
	return errors.ErrUpstreamConnect.WithDetails(err.Error())
}
