// Package web serves the status endpoints of `calbridge serve`.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"calbridge/internal/config"
	appLog "calbridge/internal/log"
	"calbridge/internal/metrics"
	"calbridge/internal/state"
)

// Server exposes /health, /metrics and /api/status.
type Server struct {
	listen     string
	basicAuth  *config.BasicAuthConfig
	healthPath string
	// staleAfter marks /health as 503 when the last success is older than
	// this; zero disables the check.
	staleAfter time.Duration
	now        func() time.Time
	router     chi.Router
}

type Option func(*Server)

// WithStaleAfter makes /health fail once no run has succeeded for d.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Server) { s.staleAfter = d }
}

func withClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		listen:     cfg.Schedule.Listen,
		basicAuth:  cfg.Schedule.BasicAuth,
		healthPath: cfg.State.HealthPath,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuthMiddleware)
		}
		r.Get("/metrics", metrics.Handler().ServeHTTP)
		r.Get("/api/status", s.handleStatus)
	})
	return r
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.basicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	return s.basicAuth.Username != "" && s.basicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.basicAuth.Username
	password := s.basicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calbridge", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.ObserveHTTP(routePattern(r), ww.Status())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// handleHealth answers 200 while the service is usable. It never requires
// authentication.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.staleAfter > 0 {
		h, err := state.LoadHealth(s.healthPath)
		if err == nil && !h.LastSuccess.IsZero() && s.now().Sub(h.LastSuccess) > s.staleAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("STALE"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	state.Health
	HasRun bool `json:"has_run"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h, err := state.LoadHealth(s.healthPath)
	if err != nil {
		appLog.Error("failed to read health record", err, "path", s.healthPath)
		writeError(w, http.StatusInternalServerError, "health record unreadable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Health: h, HasRun: h.RunID != ""})
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) StartServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
