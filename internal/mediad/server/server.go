// Package server exposes the upload request surface over HTTP with graceful
// shutdown.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediad/pkg/config"
	"mediad/pkg/logger"
)

type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// New wires the router, middleware and handlers into an HTTP server.
func New(cfg config.ServerConfig, handler *Handler) *Server {
	log := logger.WithField("component", "http-server")
	router := newRouter(handler, log)

	srv := &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{httpServer: srv, logger: log}
}

func newRouter(handler *Handler, log *logger.Logger) chi.Router {
	router := chi.NewRouter()
	router.Use(requestMetrics)
	router.Use(requestLogger(log))

	router.Get("/healthz", handler.health)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", handler.initUpload)
			r.Get("/", handler.listSessions)
			r.Get("/{sessionID}", handler.sessionStatus)
			r.Delete("/{sessionID}", handler.cancelSession)
			r.Put("/{sessionID}/chunks/{index}", handler.uploadChunk)
			r.Post("/{sessionID}/complete", handler.completeUpload)
		})

		r.Route("/quota", func(r chi.Router) {
			r.Get("/", handler.quotaUsage)
			r.Post("/sync", handler.quotaSync)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/stats", handler.jobStats)
			r.Get("/{jobID}", handler.jobStatus)
			r.Post("/{jobID}/cancel", handler.cancelJob)
		})
	})

	return router
}

// Start blocks serving requests until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
