// Package server provides the HTTP intake for placement requests. It is a
// thin adapter: the API layer that authenticates users and normalizes
// flavors lives elsewhere and sends RequestSpec-shaped payloads here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/fabric/internal/conductor"
	"github.com/limiquantix/fabric/internal/config"
	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/hoststate"
)

// Conductor is the placement workflow boundary consumed by the intake.
type Conductor interface {
	Run(ctx context.Context, spec *domain.RequestSpec) ([]conductor.InstanceResult, error)
}

// Server is the intake HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	conductor Conductor
	cache     *hoststate.Cache
}

// New creates the intake server.
func New(cfg *config.Config, cond Conductor, cache *hoststate.Cache, logger *zap.Logger) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger.With(zap.String("component", "server")),
		mux:       http.NewServeMux(),
		conductor: cond,
		cache:     cache,
	}

	s.registerRoutes()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.recoveryMiddleware(s.loggingMiddleware(corsHandler.Handler(s.mux))),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/placements", s.handlePlacements)
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("GET /readyz", s.readyHandler)
}

// Run starts the server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Intake server listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownTimeout := s.config.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down intake server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// readyHandler reports ready once the host state cache holds a snapshot.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.cache.HostCount() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"no host state snapshot"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","hosts":%d,"snapshot_age_ms":%d}`,
		s.cache.HostCount(), s.cache.Age().Milliseconds())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in HTTP handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
