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

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/ashita-ai/torii/internal/activity"
	"github.com/ashita-ai/torii/internal/auth"
	"github.com/ashita-ai/torii/internal/config"
	"github.com/ashita-ai/torii/internal/engine"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/ratelimit"
	"github.com/ashita-ai/torii/internal/server"
	"github.com/ashita-ai/torii/internal/storage"
	"github.com/ashita-ai/torii/internal/telemetry"
	"github.com/ashita-ai/torii/internal/tracker"
	"github.com/ashita-ai/torii/internal/verdict"
	"github.com/ashita-ai/torii/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger from the environment: JSON by default,
// tinted text for local development.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("TORII_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	if os.Getenv("TORII_LOG_FORMAT") == "text" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("torii starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations. RunMigrations tracks applied
	// files in schema_migrations, so a failure here is a real one.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// JWT manager for the admin surface.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Decision pipeline state: session tracker, verdict cache, activity log.
	tr := tracker.New()
	tr.RegisterMetrics()

	cache := verdict.New(cfg.CacheCapacity)
	defer cache.Close()
	cache.RegisterMetrics()

	actLogger := activity.New(db, logger, cfg.ActivityQueueCapacity, cfg.ActivityBatchSize, cfg.ActivityFlushInterval)
	actLogger.Start(ctx)

	eng := engine.New(db, tr, cache, logger, engine.Config{
		AdminPrefix:  cfg.AdminPrefix,
		EvalTimeout:  cfg.DecisionDeadline,
		ConnectTTL:   cfg.CacheConnectTTL,
		PublishTTL:   cfg.CachePublishTTL,
		SubscribeTTL: cfg.CacheSubscribeTTL,
		DenyTTL:      cfg.CacheDenyTTL,
	})

	// Token-exchange rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		m := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = m.Close() }()
		limiter = m
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Bootstrap identity, for first-run setups with an empty store.
	if err := seedIdentity(ctx, db, cfg, logger); err != nil {
		slog.Warn("identity seed failed", "error", err)
	}

	srv := server.New(server.ServerConfig{
		Store:               db,
		Engine:              eng,
		Activity:            actLogger,
		Cache:               cache,
		Tracker:             tr,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		DecisionDeadline:    cfg.DecisionDeadline,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminAPIKey:         cfg.AdminAPIKey,
		BcryptCost:          cfg.BcryptCost,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// webhook requests and drain in-flight ones (they may still submit
	// activity records), (2) flush the activity queue to Postgres.
	slog.Info("torii shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	actLogger.Drain(drainCtx)
	drainCancel()

	slog.Info("torii stopped")
	return nil
}

// seedIdentity creates the configured bootstrap identity if it does not exist.
// The seed is an active admin with no ACL restrictions; operators are expected
// to replace it through the admin API.
func seedIdentity(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) error {
	if cfg.SeedUsername == "" || cfg.SeedPassword == "" {
		return nil
	}

	if _, err := db.GetIdentity(ctx, cfg.SeedUsername); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(cfg.SeedPassword, cfg.BcryptCost)
	if err != nil {
		return err
	}

	_, err = db.CreateIdentity(ctx, model.Identity{
		Username:     cfg.SeedUsername,
		PasswordHash: hash,
		IsAdmin:      true,
		IsActive:     true,
	})
	if err != nil {
		// A concurrent instance may have seeded first.
		if storage.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
	logger.Info("seed identity created", "username", cfg.SeedUsername)
	return nil
}
