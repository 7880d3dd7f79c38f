package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/fleet-billing/pkg/logger"
)

// Server wraps the HTTP server.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	log        *logger.Logger
	port       string
}

// NewServer creates an HTTP server listening on port.
func NewServer(router *gin.Engine, port string, log *logger.Logger) *Server {
	return &Server{
		router: router,
		log:    log,
		port:   port,
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.log.Infow("Starting HTTP server", "port", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Infow("Server is shutting down")
	return s.httpServer.Shutdown(ctx)
}
