// Package server hosts the session issuer over HTTP together with the
// health, metrics and bootstrap-script endpoints, and drains in-flight work
// on shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/whisper/chatkit-session/internal/metrics"
	"github.com/whisper/chatkit-session/internal/web"
)

// ServerConfig holds tunable parameters for the HTTP server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	SessionPath       string        // issuer endpoint path
	ReadHeaderTimeout time.Duration // timeout for reading request headers
	ReadTimeout       time.Duration // timeout for reading the whole request
	WriteTimeout      time.Duration // must exceed the provider timeout
	IdleTimeout       time.Duration // keep-alive idle timeout
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		SessionPath:       "/api/create-session",
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// SessionHandler is the issuer: an http.Handler whose background work can
// be awaited.
type SessionHandler interface {
	http.Handler
	Wait(ctx context.Context) error
}

// Server routes requests to the issuer and the auxiliary endpoints.
type Server struct {
	config     ServerConfig
	issuer     SessionHandler
	logger     *slog.Logger
	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and issuer.
func NewServer(config ServerConfig, issuer SessionHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    config,
		issuer:    issuer,
		logger:    logger.With("component", "http"),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}

	s.mux.Handle(config.SessionPath, issuer)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.Handle(web.ScriptPath, web.Handler(config.SessionPath))

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.startedAt = time.Now()
	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"session_path", s.config.SessionPath)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: http server error: %w", err)
	}
	return nil
}

// handleHealth responds with the server's health status as JSON, including
// its uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops accepting requests, waits for in-flight ones, then waits
// for the issuer's background side calls. Both waits share ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: http shutdown: %w", err))
	}
	if err := s.issuer.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: drain side calls: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
