package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/igwedaniel/indexwatch/internal/config"
	"github.com/igwedaniel/indexwatch/internal/messaging"
)

// Server represents the HTTP API server
type Server struct {
	server   *http.Server
	handlers *Handlers
	hub      *Hub
	logger   *logrus.Logger
}

func NewServer(cfg *config.ServerConfig, watcher Watcher, hub *Hub, staleAfter time.Duration, logger *logrus.Logger) *Server {
	handlers := NewHandlers(watcher, staleAfter, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      loggingMiddleware(newRouter(handlers, hub), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server:   server,
		handlers: handlers,
		hub:      hub,
		logger:   logger,
	}
}

func newRouter(handlers *Handlers, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HealthCheck)

	// Monitoring endpoints
	mux.HandleFunc("/api/v1/status", handlers.GetStatus)
	mux.HandleFunc("/api/v1/chart", handlers.GetChart)
	mux.HandleFunc("/api/v1/about", handlers.GetAbout)
	mux.HandleFunc("/api/v1/rpc", handlers.GetRPC)
	mux.HandleFunc("/api/v1/report", handlers.GetReport)

	// Session management endpoints
	mux.HandleFunc("/api/v1/watch", handlers.Watch)
	mux.HandleFunc("/api/v1/poll", handlers.TriggerPoll)
	mux.HandleFunc("/api/v1/session/stats", handlers.GetSessionStats)

	if hub != nil {
		mux.Handle("/api/v1/stream", hub)
	}

	return mux
}

// WithProviders reports the reference node providers on GET /api/v1/rpc
func (s *Server) WithProviders(p ProviderReporter) *Server {
	s.handlers.providers = p
	return s
}

// WithBrokers checks the message brokers on GET /health
func (s *Server) WithBrokers(p messaging.Pinger) *Server {
	s.handlers.brokers = p
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Infof("Starting HTTP server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	if s.hub != nil {
		// hijacked connections are not tracked by Shutdown
		s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler, logger *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		}).Info("HTTP request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the stream endpoint take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
