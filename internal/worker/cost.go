package worker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/columnar"
	"github.com/agentstack/agentstack/internal/model"
	"github.com/agentstack/agentstack/internal/worker/rules"
)

// modelPrice is USD per 1000 tokens.
type modelPrice struct {
	Prompt     float64
	Completion float64
}

// pricing is the static price table. Model attributes are matched by
// substring so provider-prefixed names like "openai/gpt-4o-2024-08-06" still
// resolve.
var pricing = map[string]modelPrice{
	"gpt-4":           {Prompt: 0.03, Completion: 0.06},
	"gpt-4-turbo":     {Prompt: 0.01, Completion: 0.03},
	"gpt-4o":          {Prompt: 0.005, Completion: 0.015},
	"gpt-3.5-turbo":   {Prompt: 0.0005, Completion: 0.0015},
	"claude-3-opus":   {Prompt: 0.015, Completion: 0.075},
	"claude-3-sonnet": {Prompt: 0.003, Completion: 0.015},
	"claude-3-haiku":  {Prompt: 0.00025, Completion: 0.00125},
}

// pricingKeys holds the table keys longest first, so "gpt-4-turbo" wins over
// "gpt-4" on substring match.
var pricingKeys = func() []string {
	keys := make([]string, 0, len(pricing))
	for k := range pricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

// lookupPrice resolves a model attribute against the price table.
func lookupPrice(model string) (modelPrice, bool) {
	m := strings.ToLower(model)
	if p, ok := pricing[m]; ok {
		return p, true
	}
	for _, k := range pricingKeys {
		if strings.Contains(m, k) {
			return pricing[k], true
		}
	}
	return modelPrice{}, false
}

// CostAggregator derives per-span cost metrics from LLM spans and batches
// them into the columnar store. Spans without an llm.model attribute are
// acknowledged and skipped.
type CostAggregator struct {
	bus    *bus.Bus
	store  columnar.Inserter
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	buffer    []model.CostMetric
	ids       []string
	lastFlush time.Time
	failures  int
	nextRetry time.Time

	unknownModels map[string]bool
	poison        *poisonTracker
}

func NewCostAggregator(b *bus.Bus, store columnar.Inserter, batchSize int, flushInterval time.Duration, logger *slog.Logger) *CostAggregator {
	return &CostAggregator{
		bus:           b,
		store:         store,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
		unknownModels: make(map[string]bool),
		poison:        newPoisonTracker(),
	}
}

// HandleBatch converts LLM spans to cost metrics and buffers them.
func (c *CostAggregator) HandleBatch(ctx context.Context, msgs []bus.Message) {
	var acks []string
	for _, m := range msgs {
		var s model.Span
		if len(m.Payload) == 0 {
			c.handlePoison(ctx, m, "empty payload")
			continue
		}
		if err := msgpack.Unmarshal(m.Payload, &s); err != nil {
			c.handlePoison(ctx, m, "msgpack decode: "+err.Error())
			continue
		}
		c.poison.forget(m.ID)

		modelName := s.Attributes["llm.model"]
		if modelName == "" {
			acks = append(acks, m.ID)
			continue
		}
		c.buffer = append(c.buffer, c.metricFor(s, modelName))
		c.ids = append(c.ids, m.ID)
	}

	if err := c.bus.Acknowledge(ctx, bus.StreamSpans, GroupCost, acks...); err != nil {
		c.logger.Warn("cost: ack failed", "error", err)
	}
}

// metricFor computes one cost metric. Unknown models get a zero cost but the
// token counts are still recorded; each unknown model is logged once.
func (c *CostAggregator) metricFor(s model.Span, modelName string) model.CostMetric {
	in := rules.TokenCount(s.Attributes["llm.tokens.in"])
	out := rules.TokenCount(s.Attributes["llm.tokens.out"])

	var cost float64
	if price, ok := lookupPrice(modelName); ok {
		cost = price.Prompt*float64(in)/1000 + price.Completion*float64(out)/1000
	} else if !c.unknownModels[modelName] {
		c.unknownModels[modelName] = true
		c.logger.Debug("cost: unknown model, recording zero cost", "model", modelName)
	}

	kind := s.Attributes["span.kind"]
	if kind == "" {
		kind = "llm"
	}

	return model.CostMetric{
		ProjectID:        s.ProjectID,
		Model:            modelName,
		SpanKind:         kind,
		Timestamp:        time.Unix(0, s.StartTime).UTC().Truncate(time.Second),
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
		CostUSD:          cost,
	}
}

// Tick flushes on batch size or interval, honoring the failure backoff.
func (c *CostAggregator) Tick(ctx context.Context) {
	if len(c.buffer) == 0 {
		c.lastFlush = time.Now()
		return
	}
	if len(c.buffer) < c.batchSize && time.Since(c.lastFlush) < c.flushInterval {
		return
	}
	if time.Now().Before(c.nextRetry) {
		return
	}
	c.flush(ctx)
}

func (c *CostAggregator) Ready() bool {
	return len(c.buffer) < hardCapBuffered
}

func (c *CostAggregator) Drain(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}
	c.nextRetry = time.Time{}
	c.flush(ctx)
	if len(c.buffer) > 0 {
		c.logger.Warn("cost: exiting with unflushed metrics, left pending for redelivery",
			"metrics", len(c.buffer))
	}
	return nil
}

func (c *CostAggregator) flush(ctx context.Context) {
	if err := c.store.InsertCosts(ctx, c.buffer); err != nil {
		c.failures++
		backoff := backoffFor(c.failures)
		c.nextRetry = time.Now().Add(backoff)
		c.logger.Warn("cost: insert failed",
			"metrics", len(c.buffer), "failures", c.failures, "retry_in", backoff, "error", err)
		return
	}

	if err := c.bus.Acknowledge(ctx, bus.StreamSpans, GroupCost, c.ids...); err != nil {
		c.logger.Warn("cost: ack failed after insert", "error", err)
	}

	c.logger.Debug("cost: batch flushed", "metrics", len(c.buffer))
	c.buffer = c.buffer[:0]
	c.ids = c.ids[:0]
	c.lastFlush = time.Now()
	c.failures = 0
	c.nextRetry = time.Time{}
}

func (c *CostAggregator) handlePoison(ctx context.Context, m bus.Message, reason string) {
	if c.poison.fail(m.ID) < poisonAttempts {
		return
	}
	c.poison.forget(m.ID)
	if err := c.bus.DeadLetter(ctx, bus.StreamSpans, GroupCost, m, reason); err != nil {
		c.logger.Warn("cost: dead-letter failed", "message_id", m.ID, "error", err)
	}
}
