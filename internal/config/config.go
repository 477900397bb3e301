package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for PromptGuard.
type Config struct {
	Listen    string          `yaml:"listen"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Session   SessionConfig   `yaml:"session"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Redaction RedactionConfig `yaml:"redaction"`
}

// UpstreamConfig holds the LLM backend configuration.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"` // OpenAI-compatible base, e.g. https://api.openai.com
	APIKey  string `yaml:"api_key"`  // Fallback key when clients send none
	Model   string `yaml:"model"`    // Optional model override for forwarded requests
}

// SessionConfig holds session identification configuration.
type SessionConfig struct {
	Header string `yaml:"header"` // Header carrying the session id
}

// DashboardConfig holds dashboard feed configuration.
type DashboardConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxEvents int  `yaml:"max_events"` // Ring buffer capacity
	WebSocket bool `yaml:"websocket"`  // Enable the live /dashboard/ws feed
}

// ControlConfig holds control API configuration.
type ControlConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g. "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// StorageConfig holds verdict history storage configuration.
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`           // SQLite database path
	RetentionDays int    `yaml:"retention_days"` // How long to keep history
}

// AlertsConfig holds Redis alert publishing configuration.
type AlertsConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	Channel           string `yaml:"channel"`
	IncludeQuarantine bool   `yaml:"include_quarantine"` // Also publish QUARANTINE verdicts
}

// RedactionConfig holds secret redaction configuration for stored events.
type RedactionConfig struct {
	Enabled  bool                    `yaml:"enabled"`
	Patterns []RedactionPatternEntry `yaml:"patterns"`
}

// RedactionPatternEntry is a custom redaction pattern from config.
type RedactionPatternEntry struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Load reads and parses the configuration file. A missing file yields the
// defaults; environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Listen: ":8000",
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com",
		},
		Session: SessionConfig{
			Header: "X-Session-ID",
		},
		Dashboard: DashboardConfig{
			Enabled:   true,
			MaxEvents: 100,
			WebSocket: true,
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "promptguard",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Storage: StorageConfig{
			Enabled:       false,
			Path:          "data/promptguard.db",
			RetentionDays: 30,
		},
		Alerts: AlertsConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Channel: "promptguard:verdicts",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PROMPTGUARD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("PROMPTGUARD_UPSTREAM_BASE"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("PROMPTGUARD_UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("PROMPTGUARD_SESSION_HEADER"); v != "" {
		c.Session.Header = v
	}
	if v := os.Getenv("PROMPTGUARD_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("PROMPTGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROMPTGUARD_DASHBOARD_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Dashboard.MaxEvents = n
		}
	}

	// Storage overrides
	if os.Getenv("PROMPTGUARD_STORAGE_ENABLED") == "true" {
		c.Storage.Enabled = true
	}
	if v := os.Getenv("PROMPTGUARD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Alert overrides
	if os.Getenv("PROMPTGUARD_ALERTS_ENABLED") == "true" {
		c.Alerts.Enabled = true
	}
	if v := os.Getenv("PROMPTGUARD_REDIS_ADDR"); v != "" {
		c.Alerts.Addr = v
	}
	if v := os.Getenv("PROMPTGUARD_REDIS_PASSWORD"); v != "" {
		c.Alerts.Password = v
	}

	// Telemetry overrides
	if os.Getenv("PROMPTGUARD_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("PROMPTGUARD_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("PROMPTGUARD_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	// Also support standard OTEL env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if os.Getenv("PROMPTGUARD_REDACTION_ENABLED") == "false" {
		c.Redaction.Enabled = false
	}
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if c.Dashboard.MaxEvents <= 0 {
		return fmt.Errorf("dashboard max_events must be positive")
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required when storage is enabled")
	}
	if c.Alerts.Enabled && c.Alerts.Addr == "" {
		return fmt.Errorf("alerts redis addr is required when alerts are enabled")
	}
	return nil
}
