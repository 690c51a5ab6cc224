// The worker runs the pipeline's stream consumers: the persistence writer,
// the security analyzer, and the cost aggregator.
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
	"golang.org/x/sync/errgroup"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/columnar"
	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/telemetry"
	"github.com/agentstack/agentstack/internal/worker"
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

	slog.Info("worker starting", "version", version, "consumer", cfg.ConsumerName)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-worker", version, cfg.OTELInsecure)
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

	store, err := columnar.New(cfg.ColumnarStoreURL, logger)
	if err != nil {
		return fmt.Errorf("columnar store: %w", err)
	}
	defer store.Close()

	writer := worker.NewPersistenceWriter(eventBus, store,
		cfg.BatchSize, cfg.FlushInterval, cfg.InsertRetryBudget, cfg.SpillPath, logger)
	if err := writer.ReplaySpill(ctx); err != nil {
		// The spill file survives; its records get another chance next start.
		logger.Warn("spill replay failed, keeping file", "error", err)
	}

	analyzer := worker.NewSecurityAnalyzer(eventBus, store, logger)
	aggregator := worker.NewCostAggregator(eventBus, store, cfg.BatchSize, cfg.FlushInterval, logger)

	consumers := []*worker.Consumer{
		worker.NewConsumer(eventBus, bus.StreamSpans, worker.GroupPersistence, cfg.ConsumerName,
			int64(cfg.BatchSize), cfg.PollInterval, writer, logger),
		worker.NewConsumer(eventBus, bus.StreamSpans, worker.GroupSecurity, cfg.ConsumerName,
			int64(cfg.BatchSize), cfg.PollInterval, analyzer, logger),
		worker.NewConsumer(eventBus, bus.StreamSpans, worker.GroupCost, cfg.ConsumerName,
			int64(cfg.BatchSize), cfg.PollInterval, aggregator, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}

	err = g.Wait()
	slog.Info("worker stopped")
	return err
}
