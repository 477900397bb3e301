package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":8000" {
		t.Errorf("expected default listen :8000, got %s", cfg.Listen)
	}
	if cfg.Upstream.BaseURL != "https://api.openai.com" {
		t.Errorf("unexpected default upstream: %s", cfg.Upstream.BaseURL)
	}
	if cfg.Session.Header != "X-Session-ID" {
		t.Errorf("unexpected default session header: %s", cfg.Session.Header)
	}
	if cfg.Dashboard.MaxEvents != 100 {
		t.Errorf("unexpected default max events: %d", cfg.Dashboard.MaxEvents)
	}
	if !cfg.Control.Enabled || cfg.Control.Listen != ":9090" {
		t.Errorf("unexpected control defaults: %+v", cfg.Control)
	}
	if cfg.Storage.Enabled || cfg.Alerts.Enabled || cfg.Telemetry.Enabled {
		t.Error("storage, alerts, and telemetry should default to disabled")
	}
	if !cfg.Redaction.Enabled {
		t.Error("redaction should default to enabled")
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promptguard.yaml")
	data := `
listen: ":9999"
upstream:
  base_url: "http://localhost:11434"
  api_key: "test-key"
dashboard:
  max_events: 25
  websocket: false
storage:
  enabled: true
  path: "/tmp/pg.db"
  retention_days: 7
alerts:
  enabled: true
  addr: "redis:6379"
  channel: "custom:channel"
redaction:
  enabled: true
  patterns:
    - name: ticket
      pattern: "TICKET-[0-9]+"
      replacement: "[TICKET]"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":9999" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.Upstream.BaseURL != "http://localhost:11434" || cfg.Upstream.APIKey != "test-key" {
		t.Errorf("upstream = %+v", cfg.Upstream)
	}
	if cfg.Dashboard.MaxEvents != 25 {
		t.Errorf("max events = %d", cfg.Dashboard.MaxEvents)
	}
	if !cfg.Storage.Enabled || cfg.Storage.RetentionDays != 7 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Alerts.Channel != "custom:channel" {
		t.Errorf("alerts = %+v", cfg.Alerts)
	}
	if len(cfg.Redaction.Patterns) != 1 || cfg.Redaction.Patterns[0].Name != "ticket" {
		t.Errorf("redaction patterns = %+v", cfg.Redaction.Patterns)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROMPTGUARD_LISTEN", ":7777")
	t.Setenv("PROMPTGUARD_UPSTREAM_BASE", "http://ollama:11434")
	t.Setenv("PROMPTGUARD_SESSION_HEADER", "X-Chat-ID")
	t.Setenv("PROMPTGUARD_DASHBOARD_MAX_EVENTS", "42")
	t.Setenv("PROMPTGUARD_REDACTION_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":7777" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.Upstream.BaseURL != "http://ollama:11434" {
		t.Errorf("upstream = %s", cfg.Upstream.BaseURL)
	}
	if cfg.Session.Header != "X-Chat-ID" {
		t.Errorf("session header = %s", cfg.Session.Header)
	}
	if cfg.Dashboard.MaxEvents != 42 {
		t.Errorf("max events = %d", cfg.Dashboard.MaxEvents)
	}
	if cfg.Redaction.Enabled {
		t.Error("redaction should be disabled by env")
	}
}

func TestLoad_OTELEnvEnablesTelemetry(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "otlp" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("endpoint = %s", cfg.Telemetry.Endpoint)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty upstream", func(c *Config) { c.Upstream.BaseURL = "" }},
		{"bad max events", func(c *Config) { c.Dashboard.MaxEvents = 0 }},
		{"storage without path", func(c *Config) { c.Storage.Enabled = true; c.Storage.Path = "" }},
		{"alerts without addr", func(c *Config) { c.Alerts.Enabled = true; c.Alerts.Addr = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Defaults().validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
