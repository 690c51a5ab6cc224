// Package worker implements the pipeline's stream consumers: the persistence
// writer, the security analyzer, and the cost aggregator. Each runs as one
// Consumer loop over an event-bus stream with its own consumer group.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentstack/agentstack/internal/bus"
)

// Consumer group names. Each group keeps an independent cursor on its stream.
const (
	GroupPersistence = "persistence-writer"
	GroupSecurity    = "security-analyzer"
	GroupCost        = "cost-aggregator"
)

const (
	// poisonAttempts is how many deliveries a message gets before it is
	// dead-lettered.
	poisonAttempts = 3

	// readErrorPause is how long a consumer sits out after a failed read.
	readErrorPause = time.Second

	// housekeepingCycles is the number of read cycles between eviction checks
	// and backlog re-reads.
	housekeepingCycles = 120

	// drainTimeout bounds the final flush on shutdown.
	drainTimeout = 10 * time.Second
)

// Engine is the per-consumer processing logic driven by a Consumer loop.
// Engines acknowledge or dead-letter messages themselves, once their effects
// are durable.
type Engine interface {
	// HandleBatch processes one delivery of messages.
	HandleBatch(ctx context.Context, msgs []bus.Message)

	// Tick fires when a poll window elapses without messages, and after every
	// batch. Engines use it to flush on timers and retry failed sinks.
	Tick(ctx context.Context)

	// Ready reports whether the engine can accept more messages. While false
	// the loop stops reading but keeps ticking.
	Ready() bool

	// Drain flushes in-flight state on shutdown.
	Drain(ctx context.Context) error
}

// Consumer drives one Engine over one stream.
type Consumer struct {
	bus    *bus.Bus
	stream string
	group  string
	name   string

	batchSize int64
	poll      time.Duration

	engine Engine
	logger *slog.Logger
}

// NewConsumer wires an engine to a stream. name identifies this consumer
// within the group; it must be stable across restarts so the consumer can
// reclaim its own pending messages.
func NewConsumer(b *bus.Bus, stream, group, name string, batchSize int64, poll time.Duration, engine Engine, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:       b,
		stream:    stream,
		group:     group,
		name:      name,
		batchSize: batchSize,
		poll:      poll,
		engine:    engine,
		logger:    logger.With("stream", stream, "group", group),
	}
}

// Run consumes until ctx is cancelled, then drains the engine. Group creation
// failure is fatal; read failures are logged and retried.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.CreateGroup(ctx, c.stream, c.group, bus.FromOldest); err != nil {
		return err
	}

	// Messages delivered before a previous crash are still pending for this
	// consumer name; process them before any new traffic.
	c.readBacklog(ctx)

	cycle := 0
	for {
		if ctx.Err() != nil {
			return c.drain()
		}

		if !c.engine.Ready() {
			c.sleep(ctx, c.poll)
			c.engine.Tick(ctx)
			continue
		}

		msgs, err := c.bus.Read(ctx, c.stream, c.group, c.name, c.batchSize, c.poll)
		if err != nil {
			if ctx.Err() != nil {
				return c.drain()
			}
			c.logger.Warn("worker: read failed", "error", err)
			c.sleep(ctx, readErrorPause)
			continue
		}

		if len(msgs) > 0 {
			c.engine.HandleBatch(ctx, msgs)
		}
		c.engine.Tick(ctx)

		cycle++
		if cycle%housekeepingCycles == 0 {
			c.bus.CheckEviction(ctx, c.stream, c.group)
			c.readBacklog(ctx)
		}
	}
}

// readBacklog replays this consumer's own unacknowledged messages, walking
// the pending list once per call.
func (c *Consumer) readBacklog(ctx context.Context) {
	after := "0"
	for {
		msgs, err := c.bus.ReadBacklog(ctx, c.stream, c.group, c.name, after, c.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("worker: backlog read failed", "error", err)
			}
			return
		}
		if len(msgs) == 0 {
			return
		}
		c.logger.Info("worker: retrying pending messages", "count", len(msgs))
		c.engine.HandleBatch(ctx, msgs)
		c.engine.Tick(ctx)
		after = msgs[len(msgs)-1].ID
	}
}

func (c *Consumer) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := c.engine.Drain(ctx); err != nil {
		c.logger.Error("worker: drain failed", "error", err)
		return err
	}
	c.logger.Info("worker: drained")
	return nil
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// poisonTracker counts processing attempts per message id so engines can
// dead-letter messages that keep failing.
type poisonTracker struct {
	attempts map[string]int
}

func newPoisonTracker() *poisonTracker {
	return &poisonTracker{attempts: make(map[string]int)}
}

// fail records one failed attempt and returns the total so far.
func (t *poisonTracker) fail(id string) int {
	t.attempts[id]++
	return t.attempts[id]
}

func (t *poisonTracker) forget(id string) {
	delete(t.attempts, id)
}
