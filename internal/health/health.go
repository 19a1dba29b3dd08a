// Package health reports whether the console and its collaborators are usable.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    Status                             `json:"status"`
	Timestamp time.Time                          `json:"timestamp"`
	Uptime    string                             `json:"uptime"`
	Checks    map[string]Check                   `json:"checks"`
	Services  map[string]service.StatusSnapshot `json:"services,omitempty"`
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Manager runs health checks and serves them over HTTP
type Manager struct {
	logger     *logger.Logger
	svcManager *service.Manager
	addr       string
	timeout    time.Duration
	startTime  time.Time

	mu       sync.RWMutex
	checkers []Checker

	httpServer *http.Server
	listenAddr string
}

// NewManager creates a health manager listening on addr. svcManager may be
// nil.
func NewManager(addr string, log *logger.Logger, svcManager *service.Manager) *Manager {
	return &Manager{
		logger:     log,
		svcManager: svcManager,
		addr:       addr,
		timeout:    3 * time.Second,
		startTime:  time.Now(),
	}
}

// Name implements service.Service
func (m *Manager) Name() string {
	return "health"
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Handler returns the health routes
func (m *Manager) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", m.handleHealth)
	router.GET("/health/live", m.handleLiveness)
	router.GET("/health/ready", m.handleReadiness)
	router.GET("/health/services", m.handleServices)
	return router
}

// Start binds the listener and serves in the background
func (m *Manager) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", m.addr, err)
	}

	m.mu.Lock()
	m.listenAddr = ln.Addr().String()
	m.httpServer = &http.Server{
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := m.httpServer
	m.mu.Unlock()

	go func() {
		m.logger.Info("Health check server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Health check server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listenAddr
}

// Stop stops the health check HTTP server
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	srv := m.httpServer
	m.httpServer = nil
	m.mu.Unlock()

	if srv == nil {
		return nil
	}
	m.logger.Info("Stopping health check server")
	return srv.Shutdown(ctx)
}

// Check runs all checkers concurrently
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			results[i] = checker.Check(ctx)
		}(i, checker)
	}
	wg.Wait()

	checks := make(map[string]Check, len(results))
	overall := StatusHealthy
	for _, check := range results {
		checks[check.Name] = check
		switch {
		case check.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case check.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return HealthReport{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		Checks:    checks,
		Services:  m.services(),
	}
}

func (m *Manager) services() map[string]service.StatusSnapshot {
	if m.svcManager == nil {
		return nil
	}
	out := make(map[string]service.StatusSnapshot)
	for name, status := range m.svcManager.GetAllStatuses() {
		out[name] = status.Snapshot()
	}
	return out
}

func (m *Manager) handleHealth(c *gin.Context) {
	report := m.Check(c.Request.Context())

	// Degraded still answers 200
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (m *Manager) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

func (m *Manager) handleReadiness(c *gin.Context) {
	report := m.Check(c.Request.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    report.Status,
		"timestamp": report.Timestamp,
		"ready":     report.Status != StatusUnhealthy,
	})
}

func (m *Manager) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"services":  m.services(),
		"timestamp": time.Now(),
	})
}
