package rules

import (
	"fmt"
	"math"
	"strconv"

	"github.com/agentstack/agentstack/internal/model"
)

const (
	// statsWindow bounds the per-name sample weight so old traffic ages out.
	statsWindow = 512
	// minSamples is the observation count below which no outlier is flagged.
	minSamples = 32

	durationOutlierScore = 50.0

	tokenExplosionThreshold = 50_000
	tokenExplosionScore     = 70.0
)

// welford tracks running mean and variance for one span name. Once the
// sample count reaches statsWindow, each update first forgets one sample's
// worth of spread, approximating statistics over the most recent window.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) observe(x float64) {
	if w.n < statsWindow {
		w.n++
	} else {
		w.m2 -= w.m2 / float64(w.n)
	}
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

func (w *welford) stddev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}

// DurationOutlierRule flags spans whose duration exceeds mean + 3 standard
// deviations of prior spans with the same name. State is per rule instance;
// the analyzer owns exactly one.
type DurationOutlierRule struct {
	byName map[string]*welford
}

func NewDurationOutlierRule() *DurationOutlierRule {
	return &DurationOutlierRule{byName: make(map[string]*welford)}
}

func (r *DurationOutlierRule) Apply(span model.Span) []Hit {
	w := r.byName[span.Name]
	if w == nil {
		w = &welford{}
		r.byName[span.Name] = w
	}

	var hits []Hit
	if w.n >= minSamples {
		threshold := w.mean + 3*w.stddev()
		if span.DurationMS > threshold {
			hits = []Hit{{
				RuleName: "duration_outlier",
				Score:    durationOutlierScore,
				Description: fmt.Sprintf("duration %.1fms exceeds %.1fms (mean %.1fms + 3 stddev, n=%d)",
					span.DurationMS, threshold, w.mean, w.n),
				Evidence: truncate(span.Name),
			}}
		}
	}
	w.observe(span.DurationMS)
	return hits
}

// TokenExplosionRule flags LLM spans whose combined token count exceeds the
// explosion threshold.
type TokenExplosionRule struct{}

func NewTokenExplosionRule() *TokenExplosionRule {
	return &TokenExplosionRule{}
}

func (r *TokenExplosionRule) Apply(span model.Span) []Hit {
	in := TokenCount(span.Attributes["llm.tokens.in"])
	out := TokenCount(span.Attributes["llm.tokens.out"])
	total := in + out
	if total <= tokenExplosionThreshold {
		return nil
	}
	return []Hit{{
		RuleName:    "token_explosion",
		Score:       tokenExplosionScore,
		Description: fmt.Sprintf("token count %d exceeds %d (in=%d out=%d)", total, tokenExplosionThreshold, in, out),
		Evidence:    truncate(span.Name),
	}}
}

// TokenCount parses a token-count attribute. Attribute coercion stores
// numbers as strings; anything unparseable counts as zero.
func TokenCount(v string) int64 {
	if v == "" {
		return 0
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
		return int64(f)
	}
	return 0
}
