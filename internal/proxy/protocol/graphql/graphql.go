// Package graphql forwards GraphQL operations. Upstreams expose a
// single /graphql endpoint; the API version travels in X-API-Version.
package graphql

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
)

// Invoker posts {query, variables, operationName} bodies.
type Invoker struct {
	client *http.Client
}

// New creates a GraphQL invoker over a shared client.
func New(client *http.Client) *Invoker {
	return &Invoker{client: client}
}

func (i *Invoker) Invoke(ctx context.Context, server string, api *model.API, _ *model.Endpoint, req *protocol.Request) (*protocol.Response, error) {
	target := protocol.JoinServer(server, "/graphql")
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	hr.Header = protocol.CopyHeaders(req.Header, []string{"Content-Length"})
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("X-API-Version", api.Version)

	resp, err := i.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{
		Status: resp.StatusCode,
		Header: protocol.CopyHeaders(resp.Header, nil),
		Body:   respBody,
	}, nil
}
