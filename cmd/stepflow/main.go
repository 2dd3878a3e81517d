package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mirelk/stepflow/internal/api"
	"github.com/mirelk/stepflow/internal/engine"
	"github.com/mirelk/stepflow/internal/logging"
	"github.com/mirelk/stepflow/internal/scheduler"
	"github.com/mirelk/stepflow/internal/store"
	"github.com/mirelk/stepflow/internal/streaming"
	"github.com/mirelk/stepflow/internal/tools"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	repo, err := store.NewLibSQLRepository("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.HTTPConfig{}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	if cfg.MCPServerURL != "" {
		client := tools.NewMCPClient(cfg.MCPServerURL, nil)
		n, err := tools.RegisterMCPTools(ctx, registry, client, cfg.MCPToolPrefix)
		if err != nil {
			// A down MCP server must not block boot.
			logger.Warn("MCP tool registration failed", "url", cfg.MCPServerURL, "error", err)
		} else {
			logger.Info("MCP tools registered", "url", cfg.MCPServerURL, "count", n)
		}
	}

	hub := streaming.NewHub(logger)
	coordinator := engine.NewCoordinator(repo, registry, hub, logger, engine.Config{
		MaxConcurrent: cfg.MaxConcurrent,
	})

	sched := scheduler.NewScheduler(repo, coordinator, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("schedule recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := api.NewServer(api.Deps{
		Repo:        repo,
		Coordinator: coordinator,
		Tools:       registry,
		Subscriber:  hub,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("stepflow listening",
		"addr", cfg.ListenAddr, "db", cfg.DBPath, "tools", registry.Count())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", "error", err)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
