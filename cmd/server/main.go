// Command server is the Nexus SIEM backend binary. It loads a YAML
// configuration file, opens a PostgreSQL connection pool, starts the log
// collector, the sync orchestrator, the escalation monitor, and exposes the
// REST API and the notification WebSocket feed over HTTP, shutting down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-siem/backend/internal/alerting"
	"github.com/nexus-siem/backend/internal/audit"
	"github.com/nexus-siem/backend/internal/collector"
	"github.com/nexus-siem/backend/internal/config"
	"github.com/nexus-siem/backend/internal/normalize"
	"github.com/nexus-siem/backend/internal/rules"
	"github.com/nexus-siem/backend/internal/server/rest"
	"github.com/nexus-siem/backend/internal/server/websocket"
	"github.com/nexus-siem/backend/internal/storage"
	"github.com/nexus-siem/backend/internal/syncer"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/nexus/config.yaml", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("nexus backend starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Int("machines", len(cfg.Machines)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ── PostgreSQL storage ────────────────────────────────────────────────────
	store, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("PostgreSQL storage connected")

	// ── Audit trail ───────────────────────────────────────────────────────────
	trail, err := audit.Open(cfg.AuditPath)
	if err != nil {
		logger.Error("failed to open audit trail", slog.String("path", cfg.AuditPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer trail.Close()

	// ── WebSocket broadcaster + alert manager ─────────────────────────────────
	broadcaster := websocket.NewBroadcaster(logger, 0)
	defer broadcaster.Close()

	manager := alerting.NewManager(store, store, broadcaster, trail, logger)

	// ── Correlation rule engine ───────────────────────────────────────────────
	ruleSet := rules.DefaultRuleSet()
	if cfg.RulesPath != "" {
		ruleSet, err = rules.LoadRuleSet(cfg.RulesPath)
		if err != nil {
			logger.Error("failed to load rule set", slog.String("path", cfg.RulesPath), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("rule set loaded", slog.String("path", cfg.RulesPath))
	}

	engine := rules.NewEngine(ruleSet, store, store, manager, logger)
	if err := engine.Init(ctx); err != nil {
		logger.Error("failed to initialise rule engine", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Log collector ─────────────────────────────────────────────────────────
	spool, err := collector.OpenSpool(cfg.SpoolPath)
	if err != nil {
		logger.Error("failed to open spool", slog.String("path", cfg.SpoolPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer spool.Close()

	if len(cfg.Machines) > 0 {
		coll := collector.New(cfg.Machines, spool, store, cfg.CollectInterval, logger)
		coll.Start(ctx)
		defer coll.Stop()
	} else {
		logger.Warn("no machines configured; log collection disabled")
	}

	// ── Sync orchestrator ─────────────────────────────────────────────────────
	registry := normalize.NewRegistry(logger)
	orch := syncer.New(store, registry, engine, cfg.SyncInterval, logger)
	orch.Start(ctx)
	defer orch.Stop()

	// ── Escalation monitor ────────────────────────────────────────────────────
	monitor := alerting.NewMonitor(store, store, broadcaster, cfg.EscalationInterval, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	// ── HTTP surface: REST API + WebSocket feed ───────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_public_key_path not configured; REST API authentication disabled (dev mode)")
	}

	restSrv := rest.NewServer(store, manager, orch, logger)
	wsHandler := websocket.NewHandler(broadcaster, logger, 0)

	mux := http.NewServeMux()
	mux.Handle("/ws/notifications", wsHandler)
	mux.Handle("/", rest.NewRouter(restSrv, pubKey))

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("nexus backend exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
