package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agentstack/agentstack/internal/model"
)

const (
	piiScorePerKind = 60.0
	piiScoreCap     = 100.0
)

// piiKind pairs a detector with its rule-name suffix. Kinds are checked in
// declaration order; the first kind found names the alert.
type piiKind struct {
	name    string
	pattern *regexp.Regexp
	// verify rejects pattern matches that fail a structural check, such as
	// digit runs that are not Luhn-valid card numbers.
	verify func(string) bool
}

var piiKinds = []piiKind{
	{
		name:    "ssn",
		pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		name:    "credit_card",
		pattern: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		verify:  luhnValid,
	},
	{
		name:    "email",
		pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
	{
		name:    "phone",
		pattern: regexp.MustCompile(`\+[1-9]\d{7,14}\b`),
	},
	{
		name:    "aws_access_key",
		pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		name:    "api_key",
		pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	},
}

// PIIRule detects leaked personal data and credentials in span text.
type PIIRule struct{}

func NewPIIRule() *PIIRule {
	return &PIIRule{}
}

// Apply scores +60 per distinct PII kind found, capped at 100. Evidence is
// the first offending value with every match masked down to its last four
// characters.
func (r *PIIRule) Apply(span model.Span) []Hit {
	found := make(map[string]bool)
	var evidence string

	for _, v := range scanValues(span) {
		for _, kind := range piiKinds {
			matched := false
			for _, m := range kind.pattern.FindAllString(v, -1) {
				if kind.verify != nil && !kind.verify(m) {
					continue
				}
				matched = true
			}
			if matched {
				found[kind.name] = true
				if evidence == "" {
					evidence = truncate(MaskPII(v))
				}
			}
		}
	}
	if len(found) == 0 {
		return nil
	}

	score := min(float64(len(found))*piiScorePerKind, piiScoreCap)
	kinds := make([]string, 0, len(found))
	for k := range found {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	// The alert is named after the first kind in detector order so repeated
	// leaks of the same kind map to a stable rule name.
	var ruleName string
	for _, kind := range piiKinds {
		if found[kind.name] {
			ruleName = "pii_" + kind.name
			break
		}
	}

	return []Hit{{
		RuleName:    ruleName,
		Score:       score,
		Description: fmt.Sprintf("PII detected: %s", strings.Join(kinds, ", ")),
		Evidence:    evidence,
	}}
}

// MaskPII replaces every PII match in the text with a masked form that keeps
// only the last four characters, so evidence excerpts never re-leak the data
// they report.
func MaskPII(text string) string {
	for _, kind := range piiKinds {
		kind := kind
		text = kind.pattern.ReplaceAllStringFunc(text, func(m string) string {
			if kind.verify != nil && !kind.verify(m) {
				return m
			}
			return mask(m)
		})
	}
	return text
}

// mask hides all but the last four characters of a match, preserving
// separator positions: "123-45-6789" becomes "***-**-6789".
func mask(s string) string {
	out := []byte(s)
	keep := 4
	for i := len(out) - 1; i >= 0; i-- {
		c := out[i]
		if c == '-' || c == ' ' || c == '.' || c == '@' {
			continue
		}
		if keep > 0 {
			keep--
			continue
		}
		out[i] = '*'
	}
	return string(out)
}

// luhnValid reports whether the digits of s (separators stripped) form a
// Luhn-valid number of 13 to 19 digits.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
