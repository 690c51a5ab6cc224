// The collector is the pipeline's ingress: it authenticates span batches and
// appends them to the event bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/ingress"
	"github.com/agentstack/agentstack/internal/keydir"
	"github.com/agentstack/agentstack/internal/ratelimit"
	"github.com/agentstack/agentstack/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("collector starting", "version", version, "port", cfg.IngressPort)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-collector", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	metaStore, err := keydir.NewStore(ctx, cfg.MetadataStoreURL, logger)
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	defer metaStore.Close()

	keys := keydir.New(metaStore, cfg.NegativeCacheTTL, logger)
	if err := telemetry.RegisterGauge("agentstack/keydir", "keydir.cache.entries",
		"API key cache entries", func() int64 { return int64(keys.CacheLen()) }); err != nil {
		logger.Warn("gauge registration failed", "error", err)
	}

	eventBus, err := bus.New(cfg.EventBusURL, cfg.StreamMaxLen, logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer eventBus.Close()

	// Fail fast on an unreachable bus rather than 503ing every request.
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = eventBus.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		if cfg.RateLimitShared {
			limiter = ratelimit.NewRedisLimiter(eventBus.Client(), int(cfg.RateLimitRPS))
		} else {
			limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		}
		defer limiter.Close()
	}

	probe := ingress.NewProbe(
		func(ctx context.Context) error {
			_, err := metaStore.LookupAllProjectKeys(ctx)
			return err
		},
		eventBus.Ping,
	)
	go probe.Run(ctx)

	srv := ingress.New(ingress.ServerConfig{
		Keys:           keys,
		Bus:            eventBus,
		Limiter:        limiter,
		Probe:          probe,
		Logger:         logger,
		Port:           cfg.IngressPort,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("collector shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
