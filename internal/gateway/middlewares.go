package gateway

import (
	"net/http"

	"github.com/doorman-project/doorman/internal/middleware"
)

// Handler wraps the router in the ingress chain. Request IDs come
// first so every later stage can log them; recovery sits under the
// access log so panics still produce a log line.
func (a *App) Handler(router http.Handler) http.Handler {
	return middleware.NewChain(
		middleware.RequestID(),
		middleware.AccessLog(),
		middleware.Recovery(),
		a.cors.Middleware(),
		a.compressor.Middleware(),
		middleware.BodyLimit(a.Config().Limits, a.auditBodyLimit),
	).Then(router)
}
