// Package protocol defines the dispatch envelope shared by the
// protocol invokers. An Invoker performs exactly one upstream attempt;
// retries, balancing, breakers, and transforms live above it.
package protocol

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"

	"github.com/doorman-project/doorman/internal/model"
)

// Request is the inbound request reduced to what upstreams need. Path
// is the remainder after the gateway prefix, with its leading slash.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is one upstream answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Invoker performs a single attempt against one server.
type Invoker interface {
	Invoke(ctx context.Context, server string, api *model.API, ep *model.Endpoint, req *Request) (*Response, error)
}

// hop-by-hop headers are stripped in both directions.
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// CopyHeaders clones h without hop-by-hop headers and without names in
// drop (case-insensitive).
func CopyHeaders(h http.Header, drop []string) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if isHopHeader(k) || containsFold(drop, k) {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

func isHopHeader(name string) bool {
	return containsFold(hopHeaders, name)
}

func containsFold(list []string, name string) bool {
	for _, l := range list {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// Retriable reports whether an attempt may be repeated on another
// server: connection failures, timeouts, and upstream 502/503/504.
func Retriable(resp *Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
			return true
		}
		var opErr *net.OpError
		return errors.As(err, &opErr)
	}
	switch resp.Status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// JoinServer concatenates a server base URL and a path remainder.
func JoinServer(server, path string) string {
	server = strings.TrimSuffix(server, "/")
	if path == "" {
		return server
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return server + path
}
