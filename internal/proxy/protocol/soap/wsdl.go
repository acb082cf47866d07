package soap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/model"
)

// Operation is one invokable WSDL operation.
type Operation struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// wsdlDocument captures the binding operations; element matching is by
// local name so both wsdl: and soap: prefixed documents parse.
type wsdlDocument struct {
	Bindings []struct {
		Operations []struct {
			Name          string `xml:"name,attr"`
			SOAPOperation struct {
				Action string `xml:"soapAction,attr"`
			} `xml:"operation"`
		} `xml:"operation"`
	} `xml:"binding"`
}

// ParseWSDL extracts binding operations from a WSDL document.
func ParseWSDL(data []byte) ([]Operation, error) {
	var doc wsdlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("soap: bad wsdl: %w", err)
	}
	var ops []Operation
	seen := map[string]bool{}
	for _, b := range doc.Bindings {
		for _, op := range b.Operations {
			if op.Name == "" || seen[op.Name] {
				continue
			}
			seen[op.Name] = true
			ops = append(ops, Operation{Name: op.Name, Action: op.SOAPOperation.Action})
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("soap: wsdl defines no operations")
	}
	return ops, nil
}

// FetchWSDL returns the operations of a WSDL URL, consulting the wsdl
// cache first.
func FetchWSDL(ctx context.Context, client *http.Client, c *cache.Cache, url string) ([]Operation, error) {
	var ops []Operation
	if ok, _ := c.Get(ctx, cache.WSDLCache, url, &ops); ok {
		return ops, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("soap: wsdl fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("soap: wsdl fetch returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	ops, err = ParseWSDL(data)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, cache.WSDLCache, url, ops)
	return ops, nil
}

// AutoImport derives one POST endpoint per WSDL operation. Existing
// endpoint keys are skipped so re-imports never duplicate.
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
			Method:     http.MethodPost,
			URI:        "/" + op.Name,
			SOAPAction: op.Action,
		}
		if have[ep.Key()] {
			continue
		}
		out = append(out, ep)
	}
	return out
}
