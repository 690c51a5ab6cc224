package columnar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/agentstack/agentstack/internal/model"
)

// ClickHouse implements Inserter against a ClickHouse cluster.
type ClickHouse struct {
	conn   driver.Conn
	logger *slog.Logger
}

// New connects to ClickHouse at the given clickhouse:// DSN.
func New(url string, logger *slog.Logger) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(url)
	if err != nil {
		return nil, fmt.Errorf("columnar: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("columnar: open: %w", err)
	}
	return &ClickHouse{conn: conn, logger: logger}, nil
}

const insertSpansQuery = `INSERT INTO spans
	(span_id, trace_id, parent_span_id, project_id, name, service_name, status,
	 start_time, end_time, duration_ms, attributes, events, ingested_at)`

// InsertSpans bulk-inserts span rows. start_time and end_time are stored at
// microsecond precision.
func (c *ClickHouse) InsertSpans(ctx context.Context, spans []model.Span) error {
	batch, err := c.conn.PrepareBatch(ctx, insertSpansQuery)
	if err != nil {
		return unavailable("prepare spans batch", err)
	}

	now := time.Now().UTC()
	for _, s := range spans {
		events, err := json.Marshal(s.Events)
		if err != nil {
			return fmt.Errorf("columnar: encode events for span %s: %w", s.SpanID, err)
		}
		attrs := s.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		if err := batch.Append(
			s.SpanID,
			s.TraceID,
			s.ParentSpanID,
			s.ProjectID,
			s.Name,
			s.ServiceName,
			string(s.Status),
			time.Unix(0, s.StartTime).UTC(),
			time.Unix(0, s.EndTime).UTC(),
			s.DurationMS,
			attrs,
			string(events),
			now,
		); err != nil {
			return unavailable("append span row", err)
		}
	}
	if err := batch.Send(); err != nil {
		return unavailable("send spans batch", err)
	}
	return nil
}

const insertAlertsQuery = `INSERT INTO security_alerts
	(id, project_id, trace_id, span_id, rule_name, severity, score,
	 description, evidence, created_at)`

func (c *ClickHouse) InsertAlerts(ctx context.Context, alerts []model.Alert) error {
	batch, err := c.conn.PrepareBatch(ctx, insertAlertsQuery)
	if err != nil {
		return unavailable("prepare alerts batch", err)
	}
	for _, a := range alerts {
		if err := batch.Append(
			a.ID,
			a.ProjectID,
			a.TraceID,
			a.SpanID,
			a.RuleName,
			string(a.Severity),
			a.Score,
			a.Description,
			a.Evidence,
			a.CreatedAt,
		); err != nil {
			return unavailable("append alert row", err)
		}
	}
	if err := batch.Send(); err != nil {
		return unavailable("send alerts batch", err)
	}
	return nil
}

const insertCostsQuery = `INSERT INTO cost_metrics
	(project_id, model, span_kind, timestamp, prompt_tokens, completion_tokens,
	 total_tokens, cost_usd)`

func (c *ClickHouse) InsertCosts(ctx context.Context, costs []model.CostMetric) error {
	batch, err := c.conn.PrepareBatch(ctx, insertCostsQuery)
	if err != nil {
		return unavailable("prepare costs batch", err)
	}
	for _, m := range costs {
		if err := batch.Append(
			m.ProjectID,
			m.Model,
			m.SpanKind,
			m.Timestamp,
			m.PromptTokens,
			m.CompletionTokens,
			m.TotalTokens,
			m.CostUSD,
		); err != nil {
			return unavailable("append cost row", err)
		}
	}
	if err := batch.Send(); err != nil {
		return unavailable("send costs batch", err)
	}
	return nil
}

func (c *ClickHouse) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

func unavailable(action string, err error) error {
	return fmt.Errorf("columnar: %s: %w: %v", action, model.ErrUnavailable, err)
}
