package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no configuration file could be located
var ErrNotFound = errors.New("configuration file not found")

// Config represents the application configuration
type Config struct {
	Console ConsoleConfig `yaml:"console"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// ConsoleConfig contains monitoring console configuration
type ConsoleConfig struct {
	DataDir string        `yaml:"data_dir"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Streams StreamsConfig `yaml:"streams"`
	Events  EventsConfig  `yaml:"events"`
	Web     WebConfig     `yaml:"web"`
	Health  HealthConfig  `yaml:"health"`
	Probe   ProbeConfig   `yaml:"probe"`
}

// BackendConfig describes the detection service the console talks to
type BackendConfig struct {
	BaseURL            string        `yaml:"base_url"`
	StreamURL          string        `yaml:"stream_url"` // ws(s) base; derived from base_url when empty
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// SessionConfig contains optional unattended login credentials and the
// passphrase that seals the stored credential
type SessionConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"` // never logged
	Secret   string `yaml:"secret"`   // empty stores the credential unsealed
}

// StreamsConfig contains live channel settings
type StreamsConfig struct {
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	MaxConcurrentDecodes int           `yaml:"max_concurrent_decodes"`
	MaxMessageBytes      int64         `yaml:"max_message_bytes"`
	FullDecode           bool          `yaml:"full_decode"`
	RelayFPS             int           `yaml:"relay_fps"`
}

// EventsConfig contains event feed polling settings
type EventsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Limit        int           `yaml:"limit"`
}

// WebConfig contains local web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// HealthConfig contains health endpoint configuration
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ProbeConfig contains RTSP probe settings
type ProbeConfig struct {
	Duration time.Duration `yaml:"duration"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when no
// explicit path was given and no file exists at the default locations.
func LoadOrDefault(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if configPath == "" && errors.Is(err, ErrNotFound) {
		return Default(), nil
	}
	return nil, err
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/console.dev.yaml",
		"./config/console.yaml",
		"./console.yaml",
		"/etc/fall-detection/console.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".fall-console.yaml"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}

	if c.Console.DataDir == "" {
		c.Console.DataDir = "./data"
	}

	if c.Console.Backend.BaseURL == "" {
		c.Console.Backend.BaseURL = "http://localhost:8000"
	}
	c.Console.Backend.BaseURL = strings.TrimRight(c.Console.Backend.BaseURL, "/")
	if c.Console.Backend.StreamURL == "" {
		c.Console.Backend.StreamURL = DeriveStreamURL(c.Console.Backend.BaseURL)
	}
	if c.Console.Backend.RequestTimeout == 0 {
		c.Console.Backend.RequestTimeout = 30 * time.Second
	}

	if c.Console.Streams.HandshakeTimeout == 0 {
		c.Console.Streams.HandshakeTimeout = 10 * time.Second
	}
	if c.Console.Streams.MaxConcurrentDecodes == 0 {
		c.Console.Streams.MaxConcurrentDecodes = 2
	}
	if c.Console.Streams.MaxMessageBytes == 0 {
		c.Console.Streams.MaxMessageBytes = 8 << 20
	}
	if c.Console.Streams.RelayFPS == 0 {
		c.Console.Streams.RelayFPS = 15
	}

	if c.Console.Events.PollInterval == 0 {
		c.Console.Events.PollInterval = 5 * time.Second
	}
	if c.Console.Events.Limit == 0 {
		c.Console.Events.Limit = 20
	}

	if c.Console.Web.Host == "" {
		c.Console.Web.Host = "127.0.0.1"
	}
	if c.Console.Web.Port == 0 {
		c.Console.Web.Port = 8090
	}
	if c.Console.Health.Port == 0 {
		c.Console.Health.Port = 8091
	}

	if c.Console.Probe.Duration == 0 {
		c.Console.Probe.Duration = 3 * time.Second
	}
	if c.Console.Probe.Timeout == 0 {
		c.Console.Probe.Timeout = 10 * time.Second
	}
}

// DeriveStreamURL maps an http(s) base URL onto its ws(s) equivalent
func DeriveStreamURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return strings.TrimRight(u.String(), "/")
}

// DatabasePath returns the sqlite file used for console state
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Console.DataDir, "db", "console.db")
}
