package proxy

import (
	"fmt"
	"net/textproto"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
)

func httpCanonical(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// ValidateTransform rejects malformed transform configs at load time so
// dispatch never sees one.
func ValidateTransform(t *model.TransformConfig) error {
	if t == nil {
		return nil
	}
	for _, dir := range []*model.DirectionTransform{t.Request, t.Response} {
		if dir == nil {
			continue
		}
		if dir.Body != nil {
			for path := range dir.Body.Add {
				if path == "" {
					return fmt.Errorf("transform: empty body add path")
				}
			}
			for _, path := range dir.Body.Remove {
				if path == "" {
					return fmt.Errorf("transform: empty body remove path")
				}
			}
			for from, to := range dir.Body.Rename {
				if from == "" || to == "" {
					return fmt.Errorf("transform: empty body rename path")
				}
			}
		}
		for code := range dir.StatusMap {
			n, err := strconv.Atoi(code)
			if err != nil || n < 100 || n > 599 {
				return fmt.Errorf("transform: bad status map key %q", code)
			}
		}
		if dir.Headers != nil {
			for from, to := range dir.Headers.Rename {
				if from == "" || to == "" {
					return fmt.Errorf("transform: empty header rename")
				}
			}
		}
	}
	return nil
}

// applyRequestTransform rewrites an outbound request in place.
func applyRequestTransform(t *model.TransformConfig, req *protocol.Request) {
	if t == nil || t.Request == nil {
		return
	}
	dir := t.Request
	if dir.Headers != nil {
		for k, v := range dir.Headers.Add {
			req.Header.Set(k, v)
		}
		for _, k := range dir.Headers.Remove {
			req.Header.Del(k)
		}
		for from, to := range dir.Headers.Rename {
			if vs, ok := req.Header[httpCanonical(from)]; ok {
				req.Header.Del(from)
				for _, v := range vs {
					req.Header.Add(to, v)
				}
			}
		}
	}
	if dir.Query != nil {
		for k, v := range dir.Query.Add {
			req.Query.Set(k, v)
		}
		for _, k := range dir.Query.Remove {
			req.Query.Del(k)
		}
		for from, to := range dir.Query.Rename {
			if vs, ok := req.Query[from]; ok {
				delete(req.Query, from)
				req.Query[to] = vs
			}
		}
	}
	if dir.Body != nil {
		req.Body = applyBodyTransform(dir.Body, req.Body)
	}
}

// applyResponseTransform rewrites an upstream response in place.
func applyResponseTransform(t *model.TransformConfig, resp *protocol.Response) {
	if t == nil || t.Response == nil {
		return
	}
	dir := t.Response
	if dir.Headers != nil {
		for k, v := range dir.Headers.Add {
			resp.Header.Set(k, v)
		}
		for _, k := range dir.Headers.Remove {
			resp.Header.Del(k)
		}
		for from, to := range dir.Headers.Rename {
			if vs, ok := resp.Header[httpCanonical(from)]; ok {
				resp.Header.Del(from)
				for _, v := range vs {
					resp.Header.Add(to, v)
				}
			}
		}
	}
	if dir.Body != nil {
		resp.Body = applyBodyTransform(dir.Body, resp.Body)
	}
	if len(dir.StatusMap) > 0 {
		if mapped, ok := dir.StatusMap[strconv.Itoa(resp.Status)]; ok {
			resp.Status = mapped
		}
	}
}

// applyBodyTransform rewrites JSON body fields by path. Non-JSON bodies
// pass through untouched.
func applyBodyTransform(bt *model.BodyTransform, body []byte) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}
	if bt.Wrap != "" {
		wrapped, err := sjson.SetRawBytes([]byte(`{}`), bt.Wrap, body)
		if err == nil {
			body = wrapped
		}
	}
	for path, val := range bt.Add {
		if out, err := sjson.SetBytes(body, path, val); err == nil {
			body = out
		}
	}
	for from, to := range bt.Rename {
		v := gjson.GetBytes(body, from)
		if !v.Exists() {
			continue
		}
		if out, err := sjson.SetRawBytes(body, to, []byte(v.Raw)); err == nil {
			if out, err = sjson.DeleteBytes(out, from); err == nil {
				body = out
			}
		}
	}
	for _, path := range bt.Remove {
		if out, err := sjson.DeleteBytes(body, path); err == nil {
			body = out
		}
	}
	return body
}
