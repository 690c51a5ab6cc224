// Package rules implements the security analyzer's rule pipeline. Each rule
// family inspects one span and reports at most one hit; the analyzer turns
// hits into alerts.
package rules

import (
	"sort"

	"github.com/agentstack/agentstack/internal/model"
)

// Hit is one rule family's finding for a span.
type Hit struct {
	RuleName    string
	Score       float64
	Description string
	Evidence    string // Excerpt ≤ model.MaxEvidenceLen, PII masked.
}

// Rule is one family in the pipeline.
type Rule interface {
	// Apply inspects a span and returns zero or one hit.
	Apply(span model.Span) []Hit
}

// Pipeline applies rules in order and collects hits. Rules are applied in the
// order given: injection, PII, duration outlier, token explosion.
type Pipeline struct {
	rules []Rule
}

// NewPipeline constructs the default rule pipeline. The duration-outlier rule
// is stateful (per-name rolling statistics), so a Pipeline is owned by a
// single analyzer instance.
func NewPipeline() *Pipeline {
	return &Pipeline{
		rules: []Rule{
			NewInjectionRule(),
			NewPIIRule(),
			NewDurationOutlierRule(),
			NewTokenExplosionRule(),
		},
	}
}

// Apply runs every rule family against the span.
func (p *Pipeline) Apply(span model.Span) []Hit {
	var hits []Hit
	for _, r := range p.rules {
		hits = append(hits, r.Apply(span)...)
	}
	return hits
}

// scanValues collects the scannable text of a span: its name, every
// attribute value, and the "message" attribute of each event. Attribute
// values are visited in sorted key order so evidence excerpts are stable.
func scanValues(span model.Span) []string {
	values := make([]string, 0, 1+len(span.Attributes)+len(span.Events))
	values = append(values, span.Name)

	keys := make([]string, 0, len(span.Attributes))
	for k := range span.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values = append(values, span.Attributes[k])
	}

	for _, ev := range span.Events {
		if msg := ev.Attributes["message"]; msg != "" {
			values = append(values, msg)
		}
	}
	return values
}

// truncate caps an evidence excerpt at model.MaxEvidenceLen bytes.
func truncate(s string) string {
	if len(s) <= model.MaxEvidenceLen {
		return s
	}
	return s[:model.MaxEvidenceLen]
}
