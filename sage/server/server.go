// Package server exposes sessions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/csvsage/sage/config"
	"github.com/ZanzyTHEbar/csvsage/sage/session"
)

// Server serves the session API.
type Server struct {
	cfg         config.ServerConfig
	previewRows int
	manager     *session.Manager
	engine      *gin.Engine
	logger      zerolog.Logger
}

// New builds the router. Callers choose the gin mode.
func New(cfg config.ServerConfig, previewRows int, manager *session.Manager, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		previewRows: previewRows,
		manager:     manager,
		engine:      gin.New(),
		logger:      logger,
	}
	if cfg.MaxUploadBytes > 0 {
		s.engine.MaxMultipartMemory = cfg.MaxUploadBytes
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), cors.New(corsConfig(cfg.CORSOrigins)))
	s.routes()
	return s
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization"}
	c.MaxAge = 12 * time.Hour
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.POST("/sessions/:id/resume", s.resumeSession)
	api.POST("/sessions/:id/query", s.query)
	api.GET("/sessions/:id/history", s.history)
	api.POST("/sessions/:id/tools/:name", s.invokeTool)
}

// Handler is the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on the configured address until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info().Msg("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
