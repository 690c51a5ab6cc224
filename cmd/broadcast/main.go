// The broadcast process serves live security alerts to websocket
// subscribers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/agentstack/agentstack/internal/broadcast"
	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/config"
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
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("broadcast starting", "version", version, "port", cfg.BroadcastPort)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-broadcast", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	eventBus, err := bus.New(cfg.EventBusURL, cfg.StreamMaxLen, logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer eventBus.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = eventBus.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}

	hub := broadcast.NewHub(cfg.SubscriberQueueSize, logger)
	if err := telemetry.RegisterGauge("agentstack/broadcast", "broadcast.subscribers",
		"Attached websocket subscribers", func() int64 { return int64(hub.SubscriberCount()) }); err != nil {
		logger.Warn("gauge registration failed", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /v1/alerts/stream", broadcast.NewWSHandler(hub, cfg.AllowedOrigins, logger))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.BroadcastPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx, eventBus, cfg.ConsumerName, int64(cfg.BatchSize), cfg.PollInterval)
	})
	g.Go(func() error {
		logger.Info("broadcast: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("broadcast stopped")
	return err
}
