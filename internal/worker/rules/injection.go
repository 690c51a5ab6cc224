package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentstack/agentstack/internal/model"
)

// Curated prompt-injection phrases. Matched case-insensitively against the
// span name and every attribute value.
var injectionPhrases = []string{
	"ignore previous instructions",
	"disregard the above",
	"DAN mode",
	"developer mode",
	"you are now",
	"system prompt",
	"roleplay as",
}

const (
	injectionScorePerPhrase = 40.0
	injectionScoreCap       = 100.0
)

// InjectionRule detects prompt-injection phrases. One compiled alternation
// scans each value once instead of one regex pass per phrase.
type InjectionRule struct {
	pattern *regexp.Regexp
}

// NewInjectionRule compiles the phrase matcher.
func NewInjectionRule() *InjectionRule {
	quoted := make([]string, len(injectionPhrases))
	for i, p := range injectionPhrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return &InjectionRule{
		pattern: regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`),
	}
}

// Apply scores +40 per distinct phrase found, capped at 100.
func (r *InjectionRule) Apply(span model.Span) []Hit {
	distinct := make(map[string]bool)
	var evidence string

	for _, v := range scanValues(span) {
		for _, m := range r.pattern.FindAllString(v, -1) {
			key := strings.ToLower(m)
			if !distinct[key] {
				distinct[key] = true
				if evidence == "" {
					evidence = truncate(v)
				}
			}
		}
	}
	if len(distinct) == 0 {
		return nil
	}

	score := min(float64(len(distinct))*injectionScorePerPhrase, injectionScoreCap)
	phrases := make([]string, 0, len(distinct))
	for p := range distinct {
		phrases = append(phrases, p)
	}
	return []Hit{{
		RuleName:    "prompt_injection",
		Score:       score,
		Description: fmt.Sprintf("prompt injection phrases detected: %s", strings.Join(phrases, ", ")),
		Evidence:    evidence,
	}}
}
