package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/columnar"
	"github.com/agentstack/agentstack/internal/model"
	"github.com/agentstack/agentstack/internal/worker/rules"
)

// maxAlertAttempts is how many sink-delivery attempts an alert gets before it
// is dropped with a warning. Dropping an alert never blocks span consumption.
const maxAlertAttempts = 5

// SecurityAnalyzer evaluates every ingested span against the rule pipeline
// and delivers resulting alerts to both the live alert stream and the
// columnar store. A span's message is acknowledged only once its alerts are
// in both sinks, or declared undeliverable.
type SecurityAnalyzer struct {
	bus      *bus.Bus
	store    columnar.Inserter
	pipeline *rules.Pipeline
	logger   *slog.Logger

	pending []*pendingAlerts
	poison  *poisonTracker
}

// pendingAlerts tracks one span's alerts across delivery retries. published
// and inserted record per-sink progress so retries never duplicate into a
// sink that already accepted.
type pendingAlerts struct {
	msgID     string
	alerts    []model.Alert
	encoded   [][]byte
	published bool
	inserted  bool
	attempts  int
}

func NewSecurityAnalyzer(b *bus.Bus, store columnar.Inserter, logger *slog.Logger) *SecurityAnalyzer {
	return &SecurityAnalyzer{
		bus:      b,
		store:    store,
		pipeline: rules.NewPipeline(),
		logger:   logger,
		poison:   newPoisonTracker(),
	}
}

// HandleBatch evaluates spans and attempts one delivery for each span's
// alerts. Spans with no alerts are acknowledged immediately.
func (a *SecurityAnalyzer) HandleBatch(ctx context.Context, msgs []bus.Message) {
	var acks []string
	for _, m := range msgs {
		var s model.Span
		if len(m.Payload) == 0 {
			a.handlePoison(ctx, m, "empty payload")
			continue
		}
		if err := msgpack.Unmarshal(m.Payload, &s); err != nil {
			a.handlePoison(ctx, m, "msgpack decode: "+err.Error())
			continue
		}
		a.poison.forget(m.ID)

		alerts := a.evaluate(s)
		if len(alerts) == 0 {
			acks = append(acks, m.ID)
			continue
		}

		p := &pendingAlerts{msgID: m.ID, alerts: alerts}
		for _, alert := range alerts {
			enc, err := json.Marshal(alert)
			if err != nil {
				// Cannot happen for our own struct; guard anyway.
				a.logger.Error("security: alert encode failed", "error", err)
				continue
			}
			p.encoded = append(p.encoded, enc)
		}
		if a.deliver(ctx, p) {
			acks = append(acks, m.ID)
		} else {
			a.pending = append(a.pending, p)
		}
	}

	if err := a.bus.Acknowledge(ctx, bus.StreamSpans, GroupSecurity, acks...); err != nil {
		a.logger.Warn("security: ack failed", "error", err)
	}
}

// Tick retries alerts whose sinks were unavailable.
func (a *SecurityAnalyzer) Tick(ctx context.Context) {
	if len(a.pending) == 0 {
		return
	}

	var acks []string
	remaining := a.pending[:0]
	for _, p := range a.pending {
		if a.deliver(ctx, p) {
			acks = append(acks, p.msgID)
			continue
		}
		if p.attempts >= maxAlertAttempts {
			a.logger.Warn("security: alert dropped, sinks unavailable",
				"span_id", p.alerts[0].SpanID, "rules", len(p.alerts), "attempts", p.attempts)
			acks = append(acks, p.msgID)
			continue
		}
		remaining = append(remaining, p)
	}
	a.pending = remaining

	if err := a.bus.Acknowledge(ctx, bus.StreamSpans, GroupSecurity, acks...); err != nil {
		a.logger.Warn("security: ack failed", "error", err)
	}
}

func (a *SecurityAnalyzer) Ready() bool {
	// Alerts are a trickle next to span volume; the pending list stays small
	// because entries are capped at maxAlertAttempts.
	return true
}

// Drain makes one final delivery attempt for pending alerts.
func (a *SecurityAnalyzer) Drain(ctx context.Context) error {
	a.Tick(ctx)
	if len(a.pending) > 0 {
		a.logger.Warn("security: exiting with undelivered alerts, spans left pending",
			"count", len(a.pending))
	}
	return nil
}

// evaluate runs the rule pipeline and materializes at most one alert per rule
// family. Scores below the suppression floor produce nothing.
func (a *SecurityAnalyzer) evaluate(s model.Span) []model.Alert {
	var alerts []model.Alert
	for _, hit := range a.pipeline.Apply(s) {
		severity, ok := model.SeverityFromScore(hit.Score)
		if !ok {
			continue
		}
		alerts = append(alerts, model.Alert{
			ID:          uuid.NewString(),
			ProjectID:   s.ProjectID,
			TraceID:     s.TraceID,
			SpanID:      s.SpanID,
			RuleName:    hit.RuleName,
			Severity:    severity,
			Score:       hit.Score,
			Description: hit.Description,
			Evidence:    hit.Evidence,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return alerts
}

// deliver pushes one span's alerts to the live stream and the columnar store,
// tracking per-sink progress. Returns true once both sinks have accepted.
func (a *SecurityAnalyzer) deliver(ctx context.Context, p *pendingAlerts) bool {
	p.attempts++

	if !p.published {
		published := 0
		for _, enc := range p.encoded {
			if _, err := a.bus.Append(ctx, bus.StreamAlerts, enc); err != nil {
				a.logger.Warn("security: alert publish failed", "error", err)
				break
			}
			published++
		}
		if published < len(p.encoded) {
			// Trim what made it so retries only publish the remainder.
			p.encoded = p.encoded[published:]
			return false
		}
		p.published = true
	}

	if !p.inserted {
		if err := a.store.InsertAlerts(ctx, p.alerts); err != nil {
			a.logger.Warn("security: alert insert failed", "error", err)
			return false
		}
		p.inserted = true
	}
	return true
}

func (a *SecurityAnalyzer) handlePoison(ctx context.Context, m bus.Message, reason string) {
	if a.poison.fail(m.ID) < poisonAttempts {
		return
	}
	a.poison.forget(m.ID)
	if err := a.bus.DeadLetter(ctx, bus.StreamSpans, GroupSecurity, m, reason); err != nil {
		a.logger.Warn("security: dead-letter failed", "message_id", m.ID, "error", err)
	}
}
