package middleware

import (
	"compress/gzip"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/doorman-project/doorman/internal/config"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := NewChain(tag("a")).Append(tag("b"), tag("c")).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if got := strings.Join(order, ","); got != "a,b,c,handler" {
		t.Fatalf("order = %s", got)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if seen == "" {
		t.Fatal("no request id in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Fatal("response header does not echo request id")
	}
}

func TestRequestIDTrustsInbound(t *testing.T) {
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromContext(r.Context()); got != "client-id" {
			t.Errorf("request id = %q", got)
		}
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "client-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestRecoveryWritesInternalError(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ISE001") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestStatusWriterCaptures(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStatusWriter(rec)
	sw.WriteHeader(http.StatusTeapot)
	sw.Write([]byte("hello"))
	if sw.Status() != http.StatusTeapot || sw.BytesWritten() != 5 {
		t.Fatalf("status = %d, bytes = %d", sw.Status(), sw.BytesWritten())
	}
}

func TestBodyLimitRejectsDeclaredLength(t *testing.T) {
	limits := config.LimitsConfig{MaxBodySizeBytes: 10}
	rejected := 0
	h := BodyLimit(limits, func(*http.Request) { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with oversized body")
	}))
	req := httptest.NewRequest("POST", "/api/rest/orders/v1/items", strings.NewReader(strings.Repeat("x", 50)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "REQ001") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rejected != 1 {
		t.Fatalf("reject hook ran %d times", rejected)
	}
}

func TestBodyLimitAbortsChunkedStream(t *testing.T) {
	limits := config.LimitsConfig{MaxBodySizeBytes: 10}
	var readErr error
	h := BodyLimit(limits, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	req := httptest.NewRequest("POST", "/api/rest/orders/v1/items", strings.NewReader(strings.Repeat("x", 50)))
	req.ContentLength = -1 // chunked
	h.ServeHTTP(httptest.NewRecorder(), req)
	var mbe *http.MaxBytesError
	if !stderrors.As(readErr, &mbe) {
		t.Fatalf("read error = %v, want MaxBytesError", readErr)
	}
}

func TestRouteFamily(t *testing.T) {
	cases := map[string]string{
		"/api/rest/orders/v1/items": "rest",
		"/api/soap/quotes/v2":       "soap",
		"/api/graphql":              "graphql",
		"/monitor/liveness":         "",
	}
	for path, want := range cases {
		if got := routeFamily(path); got != want {
			t.Errorf("routeFamily(%s) = %q, want %q", path, got, want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	c := NewCORS(config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach handler")
	}))
	req := httptest.NewRequest("OPTIONS", "/api/rest/orders/v1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("allow-methods missing")
	}
}

func TestCORSStrictRejects(t *testing.T) {
	c := NewCORS(config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}, Strict: true})
	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disallowed origin must not reach handler")
	}))
	req := httptest.NewRequest("GET", "/api/rest/orders/v1", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCORSPerAPIOverride(t *testing.T) {
	c := NewCORS(config.CORSConfig{AllowedOrigins: []string{"*"}})
	if !c.AllowedForAPI("https://a.example.com", nil) {
		t.Fatal("global wildcard should admit")
	}
	if c.AllowedForAPI("https://a.example.com", []string{"https://b.example.com"}) {
		t.Fatal("per-API list should narrow")
	}
	if !c.AllowedForAPI("https://b.example.com", []string{"https://b.example.com"}) {
		t.Fatal("per-API origin should admit")
	}
}

func TestCompressionGzip(t *testing.T) {
	comp := NewCompressor(config.CompressionConfig{Enabled: true, Level: 6, MinSize: 10})
	payload := strings.Repeat(`{"k":"v"}`, 100)
	h := comp.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != payload {
		t.Fatal("payload corrupted by compression")
	}
}

func TestCompressionSkipsSmallResponses(t *testing.T) {
	comp := NewCompressor(config.CompressionConfig{Enabled: true, MinSize: 1024})
	h := comp.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatal("small response compressed")
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCompressionHonorsQZero(t *testing.T) {
	comp := NewCompressor(config.CompressionConfig{Enabled: true})
	if enc := comp.negotiate("gzip;q=0, br"); enc != "br" {
		t.Fatalf("negotiated %q, want br", enc)
	}
	if enc := comp.negotiate("identity"); enc != "" {
		t.Fatalf("negotiated %q, want none", enc)
	}
	if enc := comp.negotiate("br, zstd, gzip"); enc != "br" {
		t.Fatalf("negotiated %q, want br (server preference)", enc)
	}
}
