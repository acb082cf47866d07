// Package soap forwards requests to SOAP upstreams, choosing the
// content type per envelope version and injecting WS-Security headers
// when the API carries credentials.
package soap

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
)

const (
	soap12Namespace = "http://www.w3.org/2003/05/soap-envelope"

	contentType11 = "text/xml; charset=utf-8"
	contentType12 = "application/soap+xml; charset=utf-8"
)

// Invoker posts SOAP envelopes.
type Invoker struct {
	client *http.Client
}

// New creates a SOAP invoker over a shared client.
func New(client *http.Client) *Invoker {
	return &Invoker{client: client}
}

func (i *Invoker) Invoke(ctx context.Context, server string, api *model.API, ep *model.Endpoint, req *protocol.Request) (*protocol.Response, error) {
	envelope := req.Body
	if api.SOAPCredentials != nil {
		var err error
		envelope, err = InjectWSSecurity(envelope, api.SOAPCredentials)
		if err != nil {
			return nil, err
		}
	}

	is12 := isSOAP12(req.Body, req.Header)
	target := protocol.JoinServer(server, req.Path)
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	hr.Header = protocol.CopyHeaders(req.Header, []string{"Content-Type", "SOAPAction", "Content-Length"})

	var action string
	if ep != nil {
		action = ep.SOAPAction
	}
	if is12 {
		ct := contentType12
		if action != "" {
			ct += `; action="` + action + `"`
		}
		hr.Header.Set("Content-Type", ct)
	} else {
		hr.Header.Set("Content-Type", contentType11)
		if action != "" {
			hr.Header.Set("SOAPAction", `"`+action+`"`)
		}
	}

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

// isSOAP12 detects the envelope version from the inbound content type
// or the envelope namespace.
func isSOAP12(envelope []byte, h http.Header) bool {
	if strings.Contains(h.Get("Content-Type"), "application/soap+xml") {
		return true
	}
	return bytes.Contains(envelope, []byte(soap12Namespace))
}
