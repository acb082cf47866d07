package middleware

import (
	"net/http"
	"strings"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/errors"
)

// BodyLimit caps request bodies per route family. A declared
// Content-Length over the cap is rejected before any read, invoking
// onReject first; chunked bodies are wrapped in a MaxBytesReader so
// the stream aborts at the cap, which the pipeline reports as the
// body-too-large envelope. onReject may be nil.
func BodyLimit(limits config.LimitsConfig, onReject func(*http.Request)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := limits.ForFamily(routeFamily(r.URL.Path))
			if r.ContentLength > limit {
				if onReject != nil {
					onReject(r)
				}
				errors.ErrBodyTooLarge.WriteJSON(w)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routeFamily extracts the protocol segment of "/api/{family}/...".
func routeFamily(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
