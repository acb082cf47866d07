package middleware

import (
	"net/http"
	"strings"

	"github.com/doorman-project/doorman/internal/config"
)

// CORS applies the global cross-origin policy. Per-API origin lists
// narrow the global one at dispatch time through AllowedForAPI.
type CORS struct {
	origins          []string
	allowAll         bool
	allowCredentials bool
	allowMethods     string
	allowHeaders     string
	strict           bool
}

// NewCORS builds the handler from config.
func NewCORS(cfg config.CORSConfig) *CORS {
	c := &CORS{
		origins:          cfg.AllowedOrigins,
		allowCredentials: cfg.AllowCredentials,
		strict:           cfg.Strict,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			c.allowAll = true
		}
	}
	if len(cfg.AllowMethods) > 0 {
		c.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		c.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}
	if len(cfg.AllowHeaders) > 0 {
		c.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		c.allowHeaders = "Content-Type, Authorization, X-API-Version, X-Request-ID"
	}
	return c
}

// Allowed reports whether origin passes the global policy.
func (c *CORS) Allowed(origin string) bool {
	if c.allowAll {
		return true
	}
	for _, o := range c.origins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// AllowedForAPI applies a per-API origin list when the API carries
// one; otherwise the global policy decides.
func (c *CORS) AllowedForAPI(origin string, apiOrigins []string) bool {
	if len(apiOrigins) == 0 {
		return c.Allowed(origin)
	}
	for _, o := range apiOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// SetHeaders attaches response CORS headers when the origin passes.
func (c *CORS) SetHeaders(w http.ResponseWriter, origin string, apiOrigins []string) {
	if origin == "" || !c.AllowedForAPI(origin, apiOrigins) {
		return
	}
	respOrigin := origin
	if c.allowAll && !c.allowCredentials && len(apiOrigins) == 0 {
		respOrigin = "*"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", respOrigin)
	if c.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if respOrigin != "*" {
		h.Add("Vary", "Origin")
	}
}

// Middleware answers preflights and, in strict mode, rejects requests
// from disallowed origins.
func (c *CORS) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if c.Allowed(origin) {
					c.SetHeaders(w, origin, nil)
					w.Header().Set("Access-Control-Allow-Methods", c.allowMethods)
					w.Header().Set("Access-Control-Allow-Headers", c.allowHeaders)
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if c.strict && !c.Allowed(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
