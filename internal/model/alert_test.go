package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityFromScoreBands(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
		ok    bool
	}{
		{0, "", false},
		{29.9, "", false},
		{30, SeverityLow, true},
		{49.9, SeverityLow, true},
		{50, SeverityMedium, true},
		{74.9, SeverityMedium, true},
		{75, SeverityHigh, true},
		{89.9, SeverityHigh, true},
		{90, SeverityCritical, true},
		{100, SeverityCritical, true},
	}
	for _, c := range cases {
		sev, ok := SeverityFromScore(c.score)
		assert.Equal(t, c.ok, ok, "score %v", c.score)
		assert.Equal(t, c.want, sev, "score %v", c.score)
	}
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityAtLeast(SeverityHigh, SeverityMedium))
	assert.True(t, SeverityAtLeast(SeverityMedium, SeverityMedium))
	assert.False(t, SeverityAtLeast(SeverityLow, SeverityCritical))
}
