package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"crm-gateway/internal/cache"
	"crm-gateway/internal/config"
	"crm-gateway/internal/ingest"
	"crm-gateway/internal/logging"
	"crm-gateway/internal/metrics"
	"crm-gateway/internal/proxy"
	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/supervisor"
	"crm-gateway/internal/tenant"
	"crm-gateway/internal/upstream"
	"crm-gateway/migrations"
)

func main() {
	// Missing .env is fine; production injects the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gateway", "env", cfg.AppEnv, "store", cfg.Store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Registry(cfg.MetricsNamespace)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	var listings *cache.Listings
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, listing cache disabled", "error", err)
		} else {
			listings = cache.NewListings(redisClient, logger)
			defer redisClient.Close()
		}
	}

	client := upstream.New(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.UpstreamAPIKey,
		Timeout: cfg.UpstreamTimeout,
	}, logger, m)

	reader := stream.NewReader(logger, m, cfg.KeepaliveInterval)

	appliers := func(space tenant.Space, connectionID uuid.UUID) supervisor.EventApplier {
		return ingest.New(store, logger, m, space, connectionID, false)
	}
	manager := supervisor.NewManager(store, client, reader, listings, m, logger, supervisor.Timers{
		Watchdog:    cfg.PairingWatchdog,
		SoftRestart: cfg.SoftRestartAfter,
		HardReset:   cfg.HardResetAfter,
		SoftSettle:  cfg.SoftSettleDelay,
		HardSettle:  cfg.HardSettleDelay,
		Keepalive:   cfg.KeepaliveInterval,
	}, appliers)

	server := proxy.New(proxy.Config{
		ListenAddr:     cfg.HTTPListenAddr,
		PublicBasePath: cfg.PublicBasePath,
		AllowedOrigins: cfg.AllowedOrigins,
	}, store, client, manager, listings, m, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	manager.Shutdown()
	logger.Info("gateway stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	if cfg.Store == "sqlite" {
		return repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	return repo.New(ctx, cfg.DatabaseURL, cfg.DBSchema, logger)
}
