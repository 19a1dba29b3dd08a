package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/logger"
	"gopkg.in/yaml.v3"
)

func createTestConfig(t *testing.T, configPath string, cfg *Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func newTestConfig(dataDir string) *Config {
	cfg := &Config{}
	cfg.Console.DataDir = dataDir
	cfg.Console.Backend.BaseURL = "http://backend.local:8000"
	cfg.setDefaults()
	return cfg
}

func TestNewService(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	createTestConfig(t, configPath, newTestConfig(tmpDir))

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if svc.Get() == nil {
		t.Fatal("Get() returned nil")
	}
	if svc.Get().Console.DataDir != tmpDir {
		t.Errorf("Expected DataDir %s, got %s", tmpDir, svc.Get().Console.DataDir)
	}
}

func TestNewService_MissingExplicitPath(t *testing.T) {
	_, err := NewService(filepath.Join(t.TempDir(), "absent.yaml"), logger.NewNopLogger())
	if err == nil {
		t.Fatal("Expected error for a missing explicit config path")
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("console:\n  backend:\n    base_url: https://falls.example.com/\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Console.Backend.BaseURL != "https://falls.example.com" {
		t.Errorf("Expected trailing slash trimmed, got %s", cfg.Console.Backend.BaseURL)
	}
	if cfg.Console.Backend.StreamURL != "wss://falls.example.com" {
		t.Errorf("Expected derived stream URL, got %s", cfg.Console.Backend.StreamURL)
	}
	if cfg.Console.Events.PollInterval != 5*time.Second {
		t.Errorf("Expected 5s poll interval, got %v", cfg.Console.Events.PollInterval)
	}
	if cfg.Console.Events.Limit != 20 {
		t.Errorf("Expected limit 20, got %d", cfg.Console.Events.Limit)
	}
	if cfg.Console.Backend.RequestTimeout != 30*time.Second {
		t.Errorf("Expected 30s request timeout, got %v", cfg.Console.Backend.RequestTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestDeriveStreamURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000":      "ws://localhost:8000",
		"https://falls.example.com":  "wss://falls.example.com",
		"https://falls.example.com/": "wss://falls.example.com",
	}
	for in, want := range cases {
		if got := DeriveStreamURL(in); got != want {
			t.Errorf("DeriveStreamURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	cfg.Console.Backend.StreamURL = "http://wrong-scheme"
	cfg.Console.Events.Limit = -1
	cfg.Console.Session.Username = "operator"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, fragment := range []string{"stream_url", "events.limit", "session.username"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("Expected error to mention %q, got: %v", fragment, err)
		}
	}
}

func TestService_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := newTestConfig(tmpDir)
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	cfg.Log.Level = "debug"
	cfg.Console.Events.Limit = 50
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	reloaded := svc.Get()
	if reloaded.Log.Level != "debug" {
		t.Errorf("Expected level 'debug', got %s", reloaded.Log.Level)
	}
	if reloaded.Console.Events.Limit != 50 {
		t.Errorf("Expected limit 50, got %d", reloaded.Console.Events.Limit)
	}
}

func TestService_ReloadKeepsOldConfigOnError(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := newTestConfig(tmpDir)
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	cfg.Log.Format = "xml"
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err == nil {
		t.Fatal("Expected reload to fail validation")
	}
	if svc.Get().Log.Format != "text" {
		t.Errorf("Expected previous config to remain, got format %s", svc.Get().Log.Format)
	}
}

func TestService_Watch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := newTestConfig(tmpDir)
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	watcherCalled := false
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		watcherCalled = true
		if oldConfig == nil || newConfig == nil {
			t.Error("Watcher should receive both old and new config")
		}
		// Get must not deadlock from inside a watcher
		if svc.Get() != newConfig {
			t.Error("Get should return the new config inside the watcher")
		}
		return nil
	})

	cfg.Log.Level = "debug"
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if !watcherCalled {
		t.Error("Watcher should have been called")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	createTestConfig(t, configPath, newTestConfig(tmpDir))

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONSOLE_DATA_DIR", "/custom/data")
	t.Setenv("CONSOLE_BACKEND_URL", "https://custom:9090")
	t.Setenv("CONSOLE_EVENTS_LIMIT", "40")
	t.Setenv("CONSOLE_SESSION_SECRET", "passphrase")

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	retrieved := svc.Get()
	if retrieved.Log.Level != "debug" {
		t.Errorf("Expected level 'debug' from env, got %s", retrieved.Log.Level)
	}
	if retrieved.Console.DataDir != "/custom/data" {
		t.Errorf("Expected DataDir '/custom/data' from env, got %s", retrieved.Console.DataDir)
	}
	if retrieved.Console.Backend.BaseURL != "https://custom:9090" {
		t.Errorf("Expected BaseURL from env, got %s", retrieved.Console.Backend.BaseURL)
	}
	if retrieved.Console.Backend.StreamURL != "wss://custom:9090" {
		t.Errorf("Expected stream URL to follow base URL, got %s", retrieved.Console.Backend.StreamURL)
	}
	if retrieved.Console.Events.Limit != 40 {
		t.Errorf("Expected limit 40 from env, got %d", retrieved.Console.Events.Limit)
	}
	if retrieved.Console.Session.Secret != "passphrase" {
		t.Errorf("Expected session secret from env, got %q", retrieved.Console.Session.Secret)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		envValue    string
		defaultVal  bool
		expected    bool
		description string
	}{
		{"", false, false, "empty env with false default"},
		{"", true, true, "empty env with true default"},
		{"true", false, true, "true string"},
		{"1", false, true, "1 string"},
		{"yes", false, true, "yes string"},
		{"on", false, true, "on string"},
		{"false", true, false, "false string"},
		{"0", true, false, "0 string"},
		{"off", true, false, "off string"},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.envValue)
			result := GetEnvBool("TEST_BOOL", tt.defaultVal)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestGetEnvIntAndDuration(t *testing.T) {
	t.Setenv("TEST_INT", "invalid")
	if got := GetEnvInt("TEST_INT", 42); got != 42 {
		t.Errorf("Expected 42 for invalid value, got %d", got)
	}
	t.Setenv("TEST_INT", "100")
	if got := GetEnvInt("TEST_INT", 42); got != 100 {
		t.Errorf("Expected 100, got %d", got)
	}

	t.Setenv("TEST_DURATION", "invalid")
	if got := GetEnvDuration("TEST_DURATION", 5*time.Second); got != 5*time.Second {
		t.Errorf("Expected 5s for invalid value, got %v", got)
	}
	t.Setenv("TEST_DURATION", "10s")
	if got := GetEnvDuration("TEST_DURATION", 5*time.Second); got != 10*time.Second {
		t.Errorf("Expected 10s, got %v", got)
	}
}
