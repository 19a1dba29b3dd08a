// Package integration runs the console with its web and health servers
// against a fake detection service.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/console"
	"github.com/ducanh19020217/fall-detection/internal/console/consoletest"
	"github.com/ducanh19020217/fall-detection/internal/health"
	"github.com/ducanh19020217/fall-detection/internal/logger"
	"github.com/ducanh19020217/fall-detection/internal/metrics"
	"github.com/ducanh19020217/fall-detection/internal/service"
	"github.com/ducanh19020217/fall-detection/internal/web"
)

// TestEnvironment is one run of the console process
type TestEnvironment struct {
	Config  *config.Config
	Stack   *console.Stack
	Manager *service.Manager
	Web     *web.Server
	Health  *health.Manager
	Logger  *logger.Logger
}

// NewConfig returns settings for b with both local servers on ephemeral
// ports
func NewConfig(b *consoletest.Backend, dataDir string) *config.Config {
	cfg := b.Config(dataDir)
	cfg.Console.Web.Enabled = true
	cfg.Console.Web.Port = 0
	cfg.Console.Health.Enabled = true
	cfg.Console.Health.Port = 0
	return cfg
}

// SetupTestEnvironment wires the console the way 'console serve' does and
// starts it. Shutdown is registered with t.Cleanup; call Shutdown earlier to
// simulate a restart.
func SetupTestEnvironment(t *testing.T, cfg *config.Config) *TestEnvironment {
	t.Helper()
	log := logger.NewNopLogger()

	stack, err := console.Build(cfg, log)
	if err != nil {
		t.Fatalf("Failed to build console: %v", err)
	}

	mgr := service.NewManager(log)
	mgr.Register(stack.Console)

	webServer := web.NewServer(cfg.Console.Web, stack.Console, log)
	webServer.SetRelayFPS(cfg.Console.Streams.RelayFPS)
	webServer.SetMetricsHandler(metrics.Handler(metrics.NewRegistry(&metrics.Collector{
		Streams: stack.Console.Registry(),
		Events:  stack.Console.Feed(),
		Session: stack.Session,
	})))
	mgr.Register(webServer)

	healthMgr := health.NewManager(fmt.Sprintf("%s:%d", cfg.Console.Web.Host, cfg.Console.Health.Port), log, mgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(stack.State, cfg.DatabasePath()))
	healthMgr.RegisterChecker(health.NewBackendChecker(stack.API, cfg.Console.Backend.BaseURL))
	healthMgr.RegisterChecker(health.NewSessionChecker(stack.Session))
	healthMgr.RegisterChecker(health.NewStreamsChecker(stack.Console.Registry()))

	env := &TestEnvironment{
		Config:  cfg,
		Stack:   stack,
		Manager: mgr,
		Web:     webServer,
		Health:  healthMgr,
		Logger:  log,
	}

	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	if err := healthMgr.Start(ctx); err != nil {
		t.Fatalf("Failed to start health server: %v", err)
	}
	// The console keeps running after Start returns, independent of ctx
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}

	t.Cleanup(env.Shutdown)
	return env
}

// Shutdown stops the servers and services and closes state. It is safe to
// call more than once.
func (e *TestEnvironment) Shutdown() {
	if e.Stack == nil {
		return
	}
	ctx, cancel := ContextWithTimeout(10 * time.Second)
	defer cancel()

	_ = e.Health.Stop(ctx)
	_ = e.Manager.Shutdown(ctx)
	_ = e.Stack.Close()
	e.Stack = nil
}

// WebURL returns the base URL of the web server
func (e *TestEnvironment) WebURL() string {
	return "http://" + e.Web.Addr()
}

// HealthURL returns the base URL of the health server
func (e *TestEnvironment) HealthURL() string {
	return "http://" + e.Health.Addr()
}

// Do sends a JSON request and decodes a JSON response into out, if given
func Do(t *testing.T, method, url, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("Failed to decode %s: %v", data, err)
		}
	}
	return resp.StatusCode
}

// ContextWithTimeout creates a context with timeout
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
