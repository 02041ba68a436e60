package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server is the Kestrel HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
}

// NewServer builds the router and the underlying http.Server. Nothing
// listens until Start.
func NewServer(cfg domain.ServerConfig, mcfg domain.MetricsConfig, d Deps) *Server {
	handler := NewHandler(d)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware(handler.logger))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(handler.logger))
	router.Use(metrics.Middleware)
	router.Use(middleware.Compress(5))
	router.Use(BodyLimitMiddleware(cfg.MaxBodyBytes))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if mcfg.Enabled {
		path := mcfg.Path
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, metrics.Handler())
	}

	router.Post("/score", handler.Score)
	router.Post("/transactions", handler.Ingest)
	router.Get("/transactions/{txID}", handler.GetTransaction)

	router.Put("/profiles/{userID}", handler.PutProfile)
	router.Get("/profiles/{userID}", handler.GetProfile)
	router.Get("/users/{userID}/baseline", handler.Baseline)

	router.Get("/encoders", handler.Encoders)
	router.Get("/rules", handler.ListRules)

	return &Server{
		router:  router,
		handler: handler,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start listens and serves until Shutdown. It returns http.ErrServerClosed
// after a graceful shutdown.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
