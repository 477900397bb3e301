package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"promptguard/internal/alert"
	"promptguard/internal/config"
	"promptguard/internal/control"
	"promptguard/internal/dashboard"
	"promptguard/internal/harden"
	"promptguard/internal/proxy"
	"promptguard/internal/redaction"
	"promptguard/internal/storage"
	"promptguard/internal/telemetry"
	"promptguard/internal/threat"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "configs/promptguard.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting PromptGuard",
		"version", version,
		"listen", cfg.Listen,
		"upstream", cfg.Upstream.BaseURL,
	)

	engine := threat.NewEngine()
	hardener := harden.New()
	feed := dashboard.NewFeed(cfg.Dashboard.MaxEvents)

	// Redaction for stored user/assistant text
	var redactor redaction.Redactor = redaction.Noop{}
	if cfg.Redaction.Enabled {
		scrubber := redaction.NewScrubber()
		for _, p := range cfg.Redaction.Patterns {
			if err := scrubber.AddPattern(p.Name, p.Pattern, p.Replacement); err != nil {
				slog.Error("invalid redaction pattern", "name", p.Name, "error", err)
				os.Exit(1)
			}
		}
		redactor = scrubber
		slog.Info("redaction enabled", "custom_patterns", len(cfg.Redaction.Patterns))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize SQLite storage for verdict history
	var sqliteStore *storage.SQLiteStore
	if cfg.Storage.Enabled {
		dataDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}

		sqliteStore, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to initialize SQLite storage", "error", err)
			os.Exit(1)
		}
		slog.Info("verdict history enabled", "path", cfg.Storage.Path, "retention_days", cfg.Storage.RetentionDays)

		if cfg.Storage.RetentionDays > 0 {
			go runRetention(ctx, sqliteStore, cfg.Storage.RetentionDays)
		}
	}

	// Initialize alert publisher
	var alerts *alert.Publisher
	if cfg.Alerts.Enabled {
		alerts, err = alert.NewPublisher(alert.Config{
			Addr:              cfg.Alerts.Addr,
			Password:          cfg.Alerts.Password,
			DB:                cfg.Alerts.DB,
			Channel:           cfg.Alerts.Channel,
			IncludeQuarantine: cfg.Alerts.IncludeQuarantine,
		})
		if err != nil {
			slog.Error("failed to connect to Redis for alerts", "error", err)
			os.Exit(1)
		}
	}

	// Initialize telemetry (graceful degradation if initialization fails)
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled",
				"exporter", cfg.Telemetry.Exporter,
				"endpoint", cfg.Telemetry.Endpoint,
			)
		}
	}

	// Initialize proxy
	proxyHandler := proxy.New(cfg, engine, hardener, feed, tp)
	proxyHandler.SetRedactor(redactor)
	if sqliteStore != nil {
		proxyHandler.SetStorage(sqliteStore)
	}
	if alerts != nil {
		proxyHandler.SetAlerts(alerts)
	}

	// Client-facing mux: dashboard endpoints share the proxy listener so a
	// single base URL serves both SDK clients and the monitoring UI.
	mux := http.NewServeMux()
	if cfg.Dashboard.Enabled {
		mux.Handle("/dashboard/", dashboard.New(feed, engine, cfg.Dashboard.WebSocket))
	}
	mux.Handle("/", proxyHandler)

	proxyServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Upstream calls can be slow
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      control.New(engine, sqliteStore),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	// Start servers
	errChan := make(chan error, 2)

	go func() {
		slog.Info("proxy server starting", "addr", cfg.Listen)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy server shutdown error", "error", err)
	}

	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}

	if alerts != nil {
		if err := alerts.Close(); err != nil {
			slog.Error("Redis close error", "error", err)
		}
	}

	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			slog.Error("SQLite close error", "error", err)
		}
	}

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("PromptGuard stopped")
}

// runRetention deletes expired verdict records once a day.
func runRetention(ctx context.Context, store *storage.SQLiteStore, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Cleanup(retentionDays); err != nil {
				slog.Error("verdict cleanup failed", "error", err)
			}
		}
	}
}
