// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grid-x/modbusbridge/bridge"
)

type Server struct {
	router  *gin.Engine
	bridges map[string]*bridge.Bridge
	order   []string
	logger  *zap.Logger
	server  *http.Server
}

// NewServer serves the state of bridges on listen.
func NewServer(listen string, bridges []*bridge.Bridge, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:  gin.New(),
		bridges: make(map[string]*bridge.Bridge, len(bridges)),
		logger:  logger,
	}
	for _, b := range bridges {
		s.bridges[b.Name()] = b
		s.order = append(s.order, b.Name())
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/bridges", s.listBridges)

		b := v1.Group("/bridges/:bridge", s.withBridge)
		{
			b.GET("", s.getBridge)
			b.GET("/components", s.listComponents)
			b.GET("/components/:id", s.getComponent)
			b.PUT("/components/:id/enabled", s.setEnabled)
			b.GET("/components/:id/registers", s.getRegisters)
			b.GET("/components/:id/channels", s.getChannels)
			b.PUT("/components/:id/channels/:channel", s.setChannel)
		}
	}
}

// LoggerMiddleware logs every request at debug level.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
