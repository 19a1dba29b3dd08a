// Package web serves the console over local HTTP: JSON state, per-stream
// MJPEG relays and live notifications.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/console"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/service"
)

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     config.WebConfig
	console    *console.Console
	metrics    http.Handler // Optional Prometheus handler
	relayFPS   atomic.Int32
	router     *gin.Engine
	routesOnce sync.Once

	mu         sync.Mutex
	httpServer *http.Server
	listenAddr string
}

// NewServer creates a new web server service
func NewServer(cfg config.WebConfig, c *console.Console, log *logger.Logger) *Server {
	// Debug mode can be enabled via GIN_MODE
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		console:     c,
		router:      router,
	}
	s.relayFPS.Store(defaultRelayFPS)
	return s
}

const defaultRelayFPS = 15

// RelayFPS returns the current MJPEG relay frame rate cap
func (s *Server) RelayFPS() int {
	return int(s.relayFPS.Load())
}

// SetMetricsHandler mounts h on /metrics
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetRelayFPS caps the frame rate of MJPEG relays. Relays already running
// pick up the new rate on their next frame.
func (s *Server) SetRelayFPS(fps int) {
	if fps > 0 {
		s.relayFPS.Store(int32(fps))
	}
}

// Handler returns the router with all routes installed
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web listen %s: %w", addr, err)
	}

	// No write or idle timeout: relays and notifications are long-lived and
	// end with the request context
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", addr)
		}
	}()

	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	return srv.Shutdown(ctx)
}

// Name returns the service name
func (s *Server) Name() string {
	return "web-server"
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		session := api.Group("/session")
		{
			session.GET("", s.handleSession)
			session.POST("/login", s.handleLogin)
			session.POST("/logout", s.handleLogout)
		}

		// Local only, readable without a session
		api.GET("/audit", s.handleAudit)
		api.GET("/notifications", s.handleNotifications)

		authed := api.Group("", s.requireSession())
		{
			sources := authed.Group("/sources")
			{
				sources.GET("", s.handleListSources)
				sources.DELETE("/:id", s.handleDeleteSource)
				sources.GET("/:id/probe", s.handleProbe)
			}

			streams := authed.Group("/streams")
			{
				streams.GET("", s.handleListStreams)
				streams.GET("/:id", s.handleGetStream)
				streams.POST("/:id/start", s.handleStartStream)
				streams.POST("/:id/stop", s.handleStopStream)
				streams.POST("/:id/reopen", s.handleReopenStream)
				streams.POST("/:id/config", s.handleStreamConfig)
				streams.GET("/:id/frame", s.handleFrame)
				streams.GET("/:id/mjpeg", s.handleMJPEG)
			}

			authed.GET("/events", s.handleListEvents)
		}
	}

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// requireSession rejects requests while the console holds no credential
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.console.Authenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}
		c.Next()
	}
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
