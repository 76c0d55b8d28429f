// Package opsserver implements the eNodeB's HTTP ops surface: health,
// readiness, a status dump of live UEs/RBs, and Prometheus metrics.
//
// Grounded on the teacher's nf/smf/internal/server/{server,handlers}.go
// (chi.Mux, the health/ready/status route trio, the respondJSON/
// respondError helpers, a logging middleware wrapping every request) —
// adapted to one process-wide surface instead of one per network
// function, with /metrics added via promhttp per §4.12.
package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/your-org/lte-enodeb/internal/hss"
	"github.com/your-org/lte-enodeb/internal/user"
)

// Server is the eNodeB's ops/observability HTTP surface.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	logger  *zap.Logger
	userMgr *user.Manager
	hssL    *hss.HSS
}

// New constructs an ops server bound to addr, reporting on userMgr/hssL.
func New(addr string, logger *zap.Logger, userMgr *user.Manager, hssL *hss.HSS) *Server {
	s := &Server{
		logger:  logger,
		userMgr: userMgr,
		hssL:    hssL,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealthCheck)
	s.router.Get("/ready", s.handleReadinessCheck)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start runs the HTTP server; it blocks until Stop shuts it down.
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":       "lte-enodeb",
		"connected_ues": s.userMgr.Count(),
		"users":         s.userMgr.PrintAllUsers(),
		"subscribers":   s.hssL.PrintAllUsers(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
