package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hongminglow/coop-ledger/internal/auth"
	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/engine"
	"github.com/hongminglow/coop-ledger/internal/http/handlers"
	"github.com/hongminglow/coop-ledger/internal/middleware"
)

// Server wraps an http.Server with configured routes.
type Server struct {
	inner *http.Server
}

// Routes builds the full HTTP handler. It is separate from New so tests can
// drive it through httptest.
func Routes(cfg config.Config, eng *engine.Engine, db handlers.Pinger, tokens *auth.TokenManager, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	handlers.NewHealthHandler(time.Now(), db).Routes(r)
	r.Handle("/metrics", promhttp.Handler())

	ledger := handlers.NewLedgerHandler(eng, logger)
	admin := handlers.NewAdminHandler(eng, logger)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(tokens))
		ledger.Routes(r)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			admin.JobRoutes(r)
			r.Route("/admin", admin.Routes)
		})
	})
	return r
}

// New wires up middleware, routes, and returns a ready server.
func New(cfg config.Config, eng *engine.Engine, db handlers.Pinger, tokens *auth.TokenManager, logger *slog.Logger) *Server {
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           Routes(cfg, eng, db, tokens, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return &Server{inner: httpServer}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
