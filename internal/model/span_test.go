package model

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() SpanInput {
	return SpanInput{
		SpanID:    "s1",
		TraceID:   "t1",
		Name:      "agent.step",
		StartTime: 1_000_000,
		EndTime:   3_000_000,
	}
}

func TestCanonicalizeDefaults(t *testing.T) {
	span, err := validInput().Canonicalize("proj-1")
	require.NoError(t, err)

	assert.Equal(t, "proj-1", span.ProjectID)
	assert.Equal(t, "default", span.ServiceName)
	assert.Equal(t, SpanStatusUnset, span.Status)
	assert.Equal(t, 2.0, span.DurationMS)
}

func TestCanonicalizeRejectsTimeInversion(t *testing.T) {
	in := validInput()
	in.StartTime = 10
	in.EndTime = 5
	_, err := in.Canonicalize("proj-1")
	assert.Error(t, err)
}

func TestCanonicalizeEqualTimesAllowed(t *testing.T) {
	in := validInput()
	in.StartTime = 10
	in.EndTime = 10
	span, err := in.Canonicalize("proj-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, span.DurationMS)
}

func TestCanonicalizeClientDurationKept(t *testing.T) {
	in := validInput()
	d := 42.5
	in.DurationMS = &d
	span, err := in.Canonicalize("proj-1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, span.DurationMS)
}

func TestCanonicalizeIDValidation(t *testing.T) {
	in := validInput()
	in.SpanID = ""
	_, err := in.Canonicalize("proj-1")
	assert.Error(t, err)

	in = validInput()
	in.TraceID = strings.Repeat("x", MaxIDLen+1)
	_, err = in.Canonicalize("proj-1")
	assert.Error(t, err)

	in = validInput()
	in.SpanID = "bad\x00id"
	_, err = in.Canonicalize("proj-1")
	assert.Error(t, err)
}

func TestCanonicalizeInvalidStatus(t *testing.T) {
	in := validInput()
	in.Status = "MAYBE"
	_, err := in.Canonicalize("proj-1")
	assert.Error(t, err)

	in.Status = "ERROR"
	span, err := in.Canonicalize("proj-1")
	require.NoError(t, err)
	assert.Equal(t, SpanStatusError, span.Status)
}

func TestCoerceAttributes(t *testing.T) {
	in := validInput()
	in.Attributes = map[string]any{
		"str":    "hello",
		"int":    float64(100),
		"float":  1.5,
		"bool":   true,
		"nested": map[string]any{"a": float64(1)},
		"list":   []any{"x", "y"},
	}
	span, err := in.Canonicalize("proj-1")
	require.NoError(t, err)

	assert.Equal(t, "hello", span.Attributes["str"])
	assert.Equal(t, "100", span.Attributes["int"])
	assert.Equal(t, "1.5", span.Attributes["float"])
	assert.Equal(t, "true", span.Attributes["bool"])
	assert.JSONEq(t, `{"a":1}`, span.Attributes["nested"])
	assert.JSONEq(t, `["x","y"]`, span.Attributes["list"])
}

func TestCanonicalizeAttributeLimits(t *testing.T) {
	in := validInput()
	in.Attributes = map[string]any{"big": strings.Repeat("v", MaxAttributeValue+1)}
	_, err := in.Canonicalize("proj-1")
	assert.Error(t, err)

	in = validInput()
	attrs := make(map[string]any, MaxAttributes+1)
	for i := 0; i <= MaxAttributes; i++ {
		attrs[fmt.Sprintf("k%d", i)] = "v"
	}
	in.Attributes = attrs
	_, err = in.Canonicalize("proj-1")
	assert.Error(t, err)
}

func TestCanonicalizeEventAttributes(t *testing.T) {
	in := validInput()
	in.Events = []SpanEventInput{{
		Name:        "log",
		TimestampNS: 1_500_000,
		Attributes:  map[string]any{"message": "hello", "level": float64(3)},
	}}
	span, err := in.Canonicalize("proj-1")
	require.NoError(t, err)
	require.Len(t, span.Events, 1)
	assert.Equal(t, "hello", span.Events[0].Attributes["message"])
	assert.Equal(t, "3", span.Events[0].Attributes["level"])
}
