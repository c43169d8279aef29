package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/handlers"
)

// Handlers aggregates the request handlers the router wires up.
type Handlers struct {
	Chat    *handlers.ChatHandler
	Models  *handlers.ModelsHandler
	Cookies *handlers.CookiesHandler
	Admin   *handlers.AdminHandler
	LogsWS  *handlers.LogsWSHandler
}

// Server manages the HTTP server and routes
type Server struct {
	cfg      *common.Config
	logger   arbor.ILogger
	handlers *Handlers
	router   *http.ServeMux
	server   *http.Server
}

// New creates a new HTTP server over the given handler set
func New(cfg *common.Config, h *Handlers, logger arbor.ILogger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.withConditionalMiddleware(s.router),
		ReadTimeout: 30 * time.Second,
		// Write timeout stays off: streaming completions hold the
		// response open for the full generation.
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.logger.Info().
		Str("address", addr).
		Msg("HTTP server starting")
	s.logger.Info().
		Str("url", fmt.Sprintf("http://%s/v1/chat/completions", addr)).
		Msg("OpenAI-compatible endpoint available")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
