// Package web provides the operations HTTP server for geosync: health,
// metrics, the source catalog, sync triggers, run reports and ad-hoc layer
// uploads.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/geosync/internal/config"
	"github.com/JonMunkholm/geosync/internal/core"
	webmw "github.com/JonMunkholm/geosync/internal/web/middleware"
)

// DefaultMaxUploadSize applies when Options.MaxUploadSize is zero.
const DefaultMaxUploadSize = 512 << 20

// AuditLister reads the audit log. *core.PostgresAuditSink satisfies it.
type AuditLister interface {
	List(ctx context.Context, f core.AuditFilter) ([]core.AuditEvent, error)
}

// Options configures optional server surfaces.
type Options struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Audit serves /api/audit when set.
	Audit AuditLister
	// Health checks dependencies for /healthz; nil always reports ok.
	Health func(ctx context.Context) error

	Security      config.SecurityConfig
	MaxUploadSize int64
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
}

// Server is the HTTP server.
type Server struct {
	service *core.Service
	opts    Options
	router  *chi.Mux
	server  *http.Server
}

// NewServer builds the router.
func NewServer(service *core.Service, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	s := &Server{
		service: service,
		opts:    opts,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(webmw.TrustedRealIP(s.opts.Security.TrustedProxies))
	s.router.Use(webmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleDashboard)
	s.router.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(webmw.APIKeyAuth(s.opts.Security))
		r.Use(withActor)

		r.Get("/sources", s.handleListSources)
		r.Post("/sync", s.handleSync)
		r.Get("/sync/status", s.handleSyncStatus)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)

		r.Post("/layers/{layerCode}/upload", s.handleUpload)

		if s.opts.Audit != nil {
			r.Get("/audit", s.handleAuditLog)
		}
	})
}

// Start listens until Shutdown. WriteTimeout stays disabled since a
// synchronous sync request can run for minutes.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.opts.ReadTimeout,
		IdleTimeout: s.opts.IdleTimeout,
	}

	slog.Info("http server listening", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// withActor records the caller for run and audit records.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(webmw.ActorHeader)
		if actor == "" {
			actor = "api"
		}
		next.ServeHTTP(w, r.WithContext(core.ContextWithActor(r.Context(), actor)))
	})
}

// writeJSON encodes v with the given status. Encoding errors are logged
// since the header is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
