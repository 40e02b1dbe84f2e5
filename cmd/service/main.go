// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"kova-sync/internal/analysis"
	"kova-sync/internal/api"
	"kova-sync/internal/config"
	"kova-sync/internal/discovery"
	"kova-sync/internal/github"
	"kova-sync/internal/registry"
	"kova-sync/internal/retry"
	"kova-sync/internal/store"
	"kova-sync/internal/syncer"
	"kova-sync/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize the persistence gateway. A missing DB_URL degrades to
	// the in-memory store rather than refusing to start.
	var (
		st         store.Store
		persistent bool
	)
	if cfg.DBURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer dbpool.Close()
		if err := runMigrations(cfg.DBURL); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		logger.Info("Database connection established, migrations applied")
		st = store.NewPostgres(dbpool)
		persistent = true
	} else {
		logger.Warn("DB_URL not set; sync runs and webhook events will not survive a restart")
		st = store.NewMemory()
	}

	// 5. Load the repository registry
	reg := registry.Load(cfg.RegistryPath, logger)

	// 6. Initialize application components
	policy := retry.Policy{MaxRetries: cfg.SyncMaxRetries, BaseDelay: cfg.SyncBaseDelay}
	ghClient := github.NewClient(cfg.GithubToken, policy, logger)
	if !cfg.SyncAvailable() {
		logger.Warn("GITHUB_TOKEN not set; sync, discovery and status are unavailable")
	}

	var analyzer analysis.Analyzer
	if cfg.AnalysisAvailable() {
		analyzer, err = analysis.NewClaude(cfg.AnthropicAPIKey, cfg.AnalysisModel, policy, st, logger)
		if err != nil {
			return fmt.Errorf("failed to create analyzer: %w", err)
		}
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set; analysis is unavailable")
		analyzer = analysis.Unavailable()
	}

	dispatcher := webhook.NewDispatcher(st, analyzer, logger, cfg.DispatchWorkers, cfg.DispatchQueueSize)
	dispatcher.Start(ctx)

	receiver := webhook.NewReceiver(cfg.WebhookSecret, st, dispatcher, logger)
	if !cfg.WebhooksAvailable() {
		logger.Warn("GITHUB_WEBHOOK_SECRET not set; inbound webhooks will be rejected")
	}

	appSyncer := syncer.NewSyncer(reg, ghClient, analyzer, st, logger, cfg.SyncConcurrency, cfg.SyncCallTimeout)
	disc := discovery.NewService(ghClient, logger)

	// 7. Start the background sync loop
	go appSyncer.Start(ctx)

	// 8. Start the HTTP server
	router := api.NewRouter(api.Deps{
		Config:     cfg,
		Registry:   reg,
		Syncer:     appSyncer,
		Discovery:  disc,
		Store:      st,
		Receiver:   receiver,
		Fetcher:    ghClient,
		Persistent: persistent,
		Logger:     logger,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		serveErr <- srv.ListenAndServe()
	}()

	// 9. Wait for shutdown signal
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Let in-flight webhook processing finish
	dispatcher.Wait()

	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
