// Package columnar provides the insert contracts for the analytics store.
package columnar

import (
	"context"

	"github.com/agentstack/agentstack/internal/model"
)

// Inserter is the write contract the workers depend on. The production
// implementation is ClickHouse; tests substitute fakes.
type Inserter interface {
	// InsertSpans bulk-inserts span rows. The call is atomic from the
	// caller's perspective: on error no acknowledgment may happen.
	InsertSpans(ctx context.Context, spans []model.Span) error

	// InsertAlerts inserts security alert rows.
	InsertAlerts(ctx context.Context, alerts []model.Alert) error

	// InsertCosts inserts cost metric rows. The store aggregates rows by
	// summing numeric fields on identical (project_id, model, timestamp).
	InsertCosts(ctx context.Context, costs []model.CostMetric) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
