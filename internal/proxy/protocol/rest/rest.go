// Package rest forwards requests to plain HTTP upstreams.
package rest

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
)

// Invoker forwards method, path, query, headers, and body verbatim.
type Invoker struct {
	client *http.Client
}

// New creates a REST invoker over a shared client.
func New(client *http.Client) *Invoker {
	return &Invoker{client: client}
}

func (i *Invoker) Invoke(ctx context.Context, server string, _ *model.API, _ *model.Endpoint, req *protocol.Request) (*protocol.Response, error) {
	target := protocol.JoinServer(server, req.Path)
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	hr.Header = protocol.CopyHeaders(req.Header, nil)

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
