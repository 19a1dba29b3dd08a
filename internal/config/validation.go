package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	if c.Console.DataDir == "" {
		errors = append(errors, "console.data_dir is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error)", c.Log.Level))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	// Backend endpoints
	if u, err := url.Parse(c.Console.Backend.BaseURL); err != nil || u.Host == "" {
		errors = append(errors, fmt.Sprintf("backend.base_url must be an absolute URL, got: %q", c.Console.Backend.BaseURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("backend.base_url scheme must be http or https, got: %s", u.Scheme))
	}

	if u, err := url.Parse(c.Console.Backend.StreamURL); err != nil || u.Host == "" {
		errors = append(errors, fmt.Sprintf("backend.stream_url must be an absolute URL, got: %q", c.Console.Backend.StreamURL))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errors = append(errors, fmt.Sprintf("backend.stream_url scheme must be ws or wss, got: %s", u.Scheme))
	}

	if c.Console.Backend.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("backend.request_timeout must be > 0, got: %v", c.Console.Backend.RequestTimeout))
	}

	if (c.Console.Session.Username == "") != (c.Console.Session.Password == "") {
		errors = append(errors, "session.username and session.password must be set together")
	}

	// Stream settings
	if c.Console.Streams.HandshakeTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("streams.handshake_timeout must be > 0, got: %v", c.Console.Streams.HandshakeTimeout))
	}
	if c.Console.Streams.MaxConcurrentDecodes <= 0 {
		errors = append(errors, fmt.Sprintf("streams.max_concurrent_decodes must be > 0, got: %d", c.Console.Streams.MaxConcurrentDecodes))
	}
	if c.Console.Streams.MaxMessageBytes <= 0 {
		errors = append(errors, fmt.Sprintf("streams.max_message_bytes must be > 0, got: %d", c.Console.Streams.MaxMessageBytes))
	}
	if c.Console.Streams.RelayFPS < 0 || c.Console.Streams.RelayFPS > 60 {
		errors = append(errors, fmt.Sprintf("streams.relay_fps must be between 0 and 60, got: %d", c.Console.Streams.RelayFPS))
	}

	// Event feed
	if c.Console.Events.PollInterval <= 0 {
		errors = append(errors, fmt.Sprintf("events.poll_interval must be > 0, got: %v", c.Console.Events.PollInterval))
	}
	if c.Console.Events.Limit <= 0 || c.Console.Events.Limit > 500 {
		errors = append(errors, fmt.Sprintf("events.limit must be between 1 and 500, got: %d", c.Console.Events.Limit))
	}

	// Local surfaces
	if c.Console.Web.Enabled && (c.Console.Web.Port <= 0 || c.Console.Web.Port > 65535) {
		errors = append(errors, fmt.Sprintf("web.port must be a valid port, got: %d", c.Console.Web.Port))
	}
	if c.Console.Health.Enabled && (c.Console.Health.Port <= 0 || c.Console.Health.Port > 65535) {
		errors = append(errors, fmt.Sprintf("health.port must be a valid port, got: %d", c.Console.Health.Port))
	}
	if c.Console.Web.Enabled && c.Console.Health.Enabled && c.Console.Web.Port == c.Console.Health.Port {
		errors = append(errors, fmt.Sprintf("web.port and health.port must differ, both are %d", c.Console.Web.Port))
	}

	if c.Console.Probe.Duration <= 0 {
		errors = append(errors, fmt.Sprintf("probe.duration must be > 0, got: %v", c.Console.Probe.Duration))
	}
	if c.Console.Probe.Timeout < c.Console.Probe.Duration {
		errors = append(errors, fmt.Sprintf("probe.timeout (%v) cannot be shorter than probe.duration (%v)", c.Console.Probe.Timeout, c.Console.Probe.Duration))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	if !filepath.IsAbs(c.Console.DataDir) {
		c.Console.DataDir = filepath.Clean(c.Console.DataDir)
	}

	return nil
}
