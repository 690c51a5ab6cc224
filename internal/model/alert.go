package model

import "time"

// Severity is the ordered severity of a security alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for comparison.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// SeverityAtLeast reports whether s is at least min on the severity scale.
func SeverityAtLeast(s, min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// SeverityFromScore maps a rule score to a severity band.
// Scores below 30 are suppressed (no alert), signalled by ok=false.
func SeverityFromScore(score float64) (sev Severity, ok bool) {
	switch {
	case score < 30:
		return "", false
	case score < 50:
		return SeverityLow, true
	case score < 75:
		return SeverityMedium, true
	case score < 90:
		return SeverityHigh, true
	default:
		return SeverityCritical, true
	}
}

// MaxEvidenceLen caps the evidence excerpt carried on an alert.
const MaxEvidenceLen = 512

// Alert is a rule-derived assessment that a span exhibits a threat condition.
// Alerts are produced by the security analyzer and never mutated.
// The wire encoding on alerts.live is JSON for human inspectability.
type Alert struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	TraceID     string    `json:"trace_id"`
	SpanID      string    `json:"span_id"`
	RuleName    string    `json:"rule_name"`
	Severity    Severity  `json:"severity"`
	Score       float64   `json:"score"`
	Description string    `json:"description"`
	Evidence    string    `json:"evidence"`
	CreatedAt   time.Time `json:"created_at"`
}
