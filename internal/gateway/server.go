package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doorman-project/doorman/internal/audit"
	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/errors"
	"github.com/doorman-project/doorman/internal/logging"
	"github.com/doorman-project/doorman/internal/middleware"
)

// Server owns the HTTP listener and the reload triggers.
type Server struct {
	app     *App
	cfgPath string
	httpSrv *http.Server
	started time.Time
}

// NewServer builds the server over a bootstrapped App. cfgPath is the
// YAML file watched for hot reload; empty disables file watching.
func NewServer(app *App, cfgPath string) *Server {
	s := &Server{app: app, cfgPath: cfgPath, started: time.Now()}
	cfg := app.Config()
	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.Handler(s.routes()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// routes declares the public URL surface.
func (s *Server) routes() http.Handler {
	router := httprouter.New()

	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodDelete, http.MethodPatch,
	} {
		router.HandlerFunc(method, "/api/*route", s.app.handleAPI)
	}

	router.HandlerFunc(http.MethodPost, "/auth/login", s.handleLogin)
	router.HandlerFunc(http.MethodPost, "/auth/refresh", s.handleRefresh)
	router.HandlerFunc(http.MethodPost, "/auth/logout", s.handleLogout)

	router.HandlerFunc(http.MethodGet, "/monitor/liveness", s.handleLiveness)
	router.HandlerFunc(http.MethodGet, "/monitor/readiness", s.handleReadiness)
	router.Handler(http.MethodGet, "/monitor/metrics", s.app.metrics.Handler())
	router.HandlerFunc(http.MethodGet, "/monitor/metrics/summary", s.handleMetricsSummary)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrAPINotFound.WriteJSON(w)
	})
	return router
}

// Run serves until ctx is canceled, then drains within the configured
// timeout. SIGHUP and config file writes trigger hot reload.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.app.Config()
	s.app.StartBackground()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("gateway listening",
			zap.String("address", cfg.Server.Address),
			zap.Bool("https", cfg.Server.HTTPSEnabled),
			zap.String("backend", cfg.Backend.Mode))
		var err error
		if cfg.Server.HTTPSEnabled {
			err = s.httpSrv.ListenAndServeTLS(cfg.Server.SSLCertFile, cfg.Server.SSLKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logging.Info("SIGHUP received, reloading configuration")
				s.Reload()
			}
		}
	})

	if s.cfgPath != "" {
		g.Go(func() error { return s.watchConfig(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(drainCtx); err != nil {
			logging.Warn("drain timeout exceeded, closing connections", zap.Error(err))
			s.httpSrv.Close()
		}
		return nil
	})

	err := g.Wait()
	logging.Info("gateway stopped", zap.Duration("uptime", time.Since(s.started)))
	return err
}

// watchConfig reloads on file writes, debounced because editors emit
// bursts of events per save.
func (s *Server) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.cfgPath)); err != nil {
		return err
	}

	var pending <-chan time.Time
	target := filepath.Clean(s.cfgPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			logging.Info("config file changed, reloading", zap.String("path", s.cfgPath))
			s.Reload()
		}
	}
}

// Reload re-reads the configuration and applies the reloadable subset
// to the running components. Structural settings are ignored until
// restart.
func (s *Server) Reload() {
	next, err := config.NewLoader().Load(s.cfgPath)
	if err != nil {
		logging.Error("reload: config rejected", zap.Error(err))
		return
	}

	// Copy-on-write: handlers holding the previous snapshot keep
	// reading it unchanged.
	a := s.app
	a.mu.Lock()
	cur := *a.cfg
	changed := config.ApplyReloadable(&cur, next)
	if changed {
		a.cfg = &cur
	}
	a.mu.Unlock()
	if !changed {
		logging.Info("reload: no reloadable changes")
		return
	}
	cfg := &cur

	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		logging.Warn("reload: bad log level", zap.String("level", cfg.Logging.Level))
	}
	a.limiter.SetTiers(cfg.RateTiers)
	a.dispatcher.SetConfig(cfg.Upstream, cfg.Breaker)
	a.audit.Record(audit.Entry{
		Actor:  "system",
		Action: "config_reload",
		Status: "ok",
	})
	logging.Info("configuration reloaded")
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports backend health. Callers whose role carries
// manage_gateway get the full detail view.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	a := s.app
	status := http.StatusOK
	ready := "ready"
	if err := a.cache.HealthCheck(r.Context()); err != nil {
		status, ready = http.StatusServiceUnavailable, "degraded"
	}

	body := map[string]any{"status": ready}
	if claims := a.auth.TryIdentify(r); claims != nil {
		role, err := a.repo.GetRole(r.Context(), claims.Role)
		if err == nil && role.ManageGateway {
			body["backend"] = a.Config().Backend.Mode
			body["uptime_seconds"] = int64(time.Since(s.started).Seconds())
			body["circuit_breakers"] = a.dispatcher.BreakerStates()
			body["audit"] = a.audit.Stats()
		}
	}
	writeJSON(w, status, body)
}

// handleMetricsSummary serves the aggregate traffic view to operators.
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	a := s.app
	claims := a.auth.TryIdentify(r)
	if claims == nil {
		errors.ErrTokenMissing.WriteJSON(w)
		return
	}
	role, err := a.repo.GetRole(r.Context(), claims.Role)
	if err != nil || !role.ManageGateway {
		errors.ErrRoleDenied.WriteJSON(w)
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := time.ParseDuration(v + "h"); err == nil && n > 0 {
			hours = int(n.Hours())
		}
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, a.metrics.Query(now.Add(-time.Duration(hours)*time.Hour), now, 10))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestID is a shorthand for handlers outside the pipeline.
func requestID(r *http.Request) string {
	return middleware.RequestIDFromContext(r.Context())
}
