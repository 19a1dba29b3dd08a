package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	oldConfig := s.config

	newConfig, err := LoadOrDefault(s.configPath)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	applyEnvOverrides(newConfig)

	if err := newConfig.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.config = newConfig
	watchers := make([]ConfigWatcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	// Watchers run outside the lock so they may call Get
	for _, watcher := range watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("CONSOLE_DATA_DIR"); val != "" {
		cfg.Console.DataDir = val
	}

	// Backend settings
	if val := os.Getenv("CONSOLE_BACKEND_URL"); val != "" {
		cfg.Console.Backend.BaseURL = strings.TrimRight(val, "/")
		if os.Getenv("CONSOLE_STREAM_URL") == "" {
			cfg.Console.Backend.StreamURL = DeriveStreamURL(cfg.Console.Backend.BaseURL)
		}
	}
	if val := os.Getenv("CONSOLE_STREAM_URL"); val != "" {
		cfg.Console.Backend.StreamURL = strings.TrimRight(val, "/")
	}
	cfg.Console.Backend.RequestTimeout = GetEnvDuration("CONSOLE_REQUEST_TIMEOUT", cfg.Console.Backend.RequestTimeout)
	cfg.Console.Backend.InsecureSkipVerify = GetEnvBool("CONSOLE_INSECURE_SKIP_VERIFY", cfg.Console.Backend.InsecureSkipVerify)

	// Session settings
	if val := os.Getenv("CONSOLE_USERNAME"); val != "" {
		cfg.Console.Session.Username = val
	}
	if val := os.Getenv("CONSOLE_PASSWORD"); val != "" {
		cfg.Console.Session.Password = val
	}
	if val := os.Getenv("CONSOLE_SESSION_SECRET"); val != "" {
		cfg.Console.Session.Secret = val
	}

	// Stream settings
	cfg.Console.Streams.HandshakeTimeout = GetEnvDuration("CONSOLE_HANDSHAKE_TIMEOUT", cfg.Console.Streams.HandshakeTimeout)
	cfg.Console.Streams.MaxConcurrentDecodes = GetEnvInt("CONSOLE_MAX_CONCURRENT_DECODES", cfg.Console.Streams.MaxConcurrentDecodes)
	cfg.Console.Streams.FullDecode = GetEnvBool("CONSOLE_FULL_DECODE", cfg.Console.Streams.FullDecode)
	cfg.Console.Streams.RelayFPS = GetEnvInt("CONSOLE_RELAY_FPS", cfg.Console.Streams.RelayFPS)

	// Events settings
	cfg.Console.Events.PollInterval = GetEnvDuration("CONSOLE_EVENTS_POLL_INTERVAL", cfg.Console.Events.PollInterval)
	cfg.Console.Events.Limit = GetEnvInt("CONSOLE_EVENTS_LIMIT", cfg.Console.Events.Limit)

	// Local surfaces
	cfg.Console.Web.Enabled = GetEnvBool("CONSOLE_WEB_ENABLED", cfg.Console.Web.Enabled)
	if val := os.Getenv("CONSOLE_WEB_HOST"); val != "" {
		cfg.Console.Web.Host = val
	}
	cfg.Console.Web.Port = GetEnvInt("CONSOLE_WEB_PORT", cfg.Console.Web.Port)
	cfg.Console.Health.Enabled = GetEnvBool("CONSOLE_HEALTH_ENABLED", cfg.Console.Health.Enabled)
	cfg.Console.Health.Port = GetEnvInt("CONSOLE_HEALTH_PORT", cfg.Console.Health.Port)

	// Log settings
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(val, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// GetEnvDuration gets a duration environment variable
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}
	return defaultValue
}
