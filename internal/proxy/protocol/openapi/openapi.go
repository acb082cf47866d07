// Package openapi derives gateway endpoints from the paths object of
// an OpenAPI document. Both v2 and v3 documents carry paths in the
// same shape, so no version switch is needed.
package openapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/model"
)

// Operation is one path+method pair from the document.
type Operation struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "delete": true,
	"patch": true, "head": true, "options": true,
}

// Parse extracts the operations of an OpenAPI JSON document.
func Parse(data []byte) ([]Operation, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("openapi: document is not valid JSON")
	}
	paths := gjson.GetBytes(data, "paths")
	if !paths.IsObject() {
		return nil, fmt.Errorf("openapi: document has no paths object")
	}
	var ops []Operation
	paths.ForEach(func(path, item gjson.Result) bool {
		item.ForEach(func(method, _ gjson.Result) bool {
			if httpMethods[strings.ToLower(method.String())] {
				ops = append(ops, Operation{
					Method: strings.ToUpper(method.String()),
					Path:   path.String(),
				})
			}
			return true
		})
		return true
	})
	if len(ops) == 0 {
		return nil, fmt.Errorf("openapi: document defines no operations")
	}
	return ops, nil
}

// Fetch returns the operations behind an OpenAPI URL, consulting the
// openapi cache first.
func Fetch(ctx context.Context, client *http.Client, c *cache.Cache, url string) ([]Operation, error) {
	var ops []Operation
	if ok, _ := c.Get(ctx, cache.OpenAPICache, url, &ops); ok {
		return ops, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openapi: fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openapi: fetch returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	ops, err = Parse(data)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, cache.OpenAPICache, url, ops)
	return ops, nil
}

// AutoImport derives one endpoint per operation. Existing endpoint
// keys are skipped so re-imports never duplicate.
func AutoImport(ops []Operation, apiName, apiVersion string, existing []model.Endpoint) []model.Endpoint {
	have := map[string]bool{}
	for _, e := range existing {
		have[e.Key()] = true
	}
	var out []model.Endpoint
	for _, op := range ops {
		ep := model.Endpoint{
			ID:         uuid.NewString(),
			APIName:    apiName,
			APIVersion: apiVersion,
			Method:     op.Method,
			URI:        op.Path,
		}
		if have[ep.Key()] {
			continue
		}
		out = append(out, ep)
	}
	return out
}
