// Package http serves the local control API with gin.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/quotesync/internal/platform/config"
)

// Server owns the gin engine and the net/http server in front of it.
type Server struct {
	cfg        *config.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	// bound is the listener address once Start succeeds.
	bound atomic.Pointer[string]
}

// New builds a server for cfg. Routes are added through Engine before Start.
func New(cfg *config.ServerConfig, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(maxBodySize(cfg.MaxRequestSize))

	return &Server{
		cfg:    cfg,
		engine: engine,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger.With(slog.String("component", "http.Server")),
	}
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) Config() *config.ServerConfig { return s.cfg }

// Addr is the bound address after Start, the configured one before.
func (s *Server) Addr() string {
	if addr := s.bound.Load(); addr != nil {
		return *addr
	}

	return s.httpServer.Addr
}

// Start binds the listen address and serves in the background. A bind
// failure is returned directly. Serve failures arrive on the channel, which
// closes once the server has stopped.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("control API listen on %s: %w", s.httpServer.Addr, err)
	}

	addr := ln.Addr().String()
	s.bound.Store(&addr)

	s.logger.Info("control API listening",
		slog.String("addr", addr),
		slog.Int64("max_request_size", s.cfg.MaxRequestSize),
	)

	done := make(chan error, 1)

	go func() {
		defer close(done)

		err := s.httpServer.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("control API serve: %w", err)
		}
	}()

	return done, nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}

	s.logger.InfoContext(ctx, "control API stopped")

	return nil
}

// maxBodySize caps request bodies at maxBytes; reads past it fail.
func maxBodySize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
