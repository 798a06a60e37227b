// Package server wires the HTTP API: routing, middleware and lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/handlers"
	"github.com/ternarybob/fakturenn/internal/services/auth"
)

// Server is the HTTP front end
type Server struct {
	logger arbor.ILogger
	config *common.Config
	auth   *auth.Service
	router *http.ServeMux
	server *http.Server
}

// Handlers bundles the route handlers the server mounts
type Handlers struct {
	API        *handlers.APIHandler
	Auth       *handlers.AuthHandler
	User       *handlers.UserHandler
	Automation *handlers.AutomationHandler
	Job        *handlers.JobHandler
	History    *handlers.HistoryHandler
}

// New creates a server with all routes registered
func New(logger arbor.ILogger, config *common.Config, authService *auth.Service, h Handlers) *Server {
	s := &Server{
		logger: logger,
		config: config,
		auth:   authService,
		router: http.NewServeMux(),
	}
	s.setupRoutes(h)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving; blocks until the listener fails or is shut down
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}
