package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode"
)

// SpanStatus is the terminal status of a span.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "OK"
	SpanStatusError SpanStatus = "ERROR"
	SpanStatusUnset SpanStatus = "UNSET"
)

// Field limits for incoming spans. Violations reject the individual span,
// never the batch it arrived in.
const (
	MaxIDLen          = 128
	MaxAttributes     = 256
	MaxAttributeValue = 8 * 1024
	MaxEvents         = 128
)

// Span is one unit of agent work. Spans are immutable after ingress; the
// project_id is assigned from the authenticated API key and is never trusted
// from the client.
type Span struct {
	SpanID       string            `json:"span_id" msgpack:"span_id"`
	TraceID      string            `json:"trace_id" msgpack:"trace_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty" msgpack:"parent_span_id,omitempty"`
	ProjectID    string            `json:"project_id" msgpack:"project_id"`
	Name         string            `json:"name" msgpack:"name"`
	ServiceName  string            `json:"service_name" msgpack:"service_name"`
	Status       SpanStatus        `json:"status" msgpack:"status"`
	StartTime    int64             `json:"start_time" msgpack:"start_time"` // Nanoseconds since epoch.
	EndTime      int64             `json:"end_time" msgpack:"end_time"`    // Nanoseconds since epoch.
	DurationMS   float64           `json:"duration_ms" msgpack:"duration_ms"`
	Attributes   map[string]string `json:"attributes" msgpack:"attributes"`
	Events       []SpanEvent       `json:"events,omitempty" msgpack:"events,omitempty"`
}

// SpanEvent is a timestamped point event attached to a span.
type SpanEvent struct {
	Name        string            `json:"name" msgpack:"name"`
	TimestampNS int64             `json:"timestamp_ns" msgpack:"timestamp_ns"`
	Attributes  map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
}

// SpanInput is the client-submitted shape of a span. Attribute values may
// arrive as any JSON scalar (or nested structure); Canonicalize coerces them
// to the string→string wire contract.
type SpanInput struct {
	SpanID       string           `json:"span_id"`
	TraceID      string           `json:"trace_id"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
	Name         string           `json:"name"`
	ServiceName  string           `json:"service_name,omitempty"`
	Status       string           `json:"status,omitempty"`
	StartTime    int64            `json:"start_time"`
	EndTime      int64            `json:"end_time"`
	DurationMS   *float64         `json:"duration_ms,omitempty"`
	Attributes   map[string]any   `json:"attributes,omitempty"`
	Events       []SpanEventInput `json:"events,omitempty"`
}

// SpanEventInput is the client-submitted shape of a span event.
type SpanEventInput struct {
	Name        string         `json:"name"`
	TimestampNS int64          `json:"timestamp_ns"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Canonicalize validates a client span against the ingestion invariants and
// produces the immutable Span that flows through the pipeline. The projectID
// is the authoritative value resolved from the presenting API key.
func (in SpanInput) Canonicalize(projectID string) (Span, error) {
	if err := validateID("span_id", in.SpanID); err != nil {
		return Span{}, err
	}
	if err := validateID("trace_id", in.TraceID); err != nil {
		return Span{}, err
	}
	if in.ParentSpanID != "" {
		if err := validateID("parent_span_id", in.ParentSpanID); err != nil {
			return Span{}, err
		}
	}
	if in.Name == "" {
		return Span{}, fmt.Errorf("model: name must be non-empty")
	}
	if in.StartTime > in.EndTime {
		return Span{}, fmt.Errorf("model: start_time %d after end_time %d", in.StartTime, in.EndTime)
	}
	if len(in.Attributes) > MaxAttributes {
		return Span{}, fmt.Errorf("model: too many attributes (%d, max %d)", len(in.Attributes), MaxAttributes)
	}
	if len(in.Events) > MaxEvents {
		return Span{}, fmt.Errorf("model: too many events (%d, max %d)", len(in.Events), MaxEvents)
	}

	status := SpanStatus(in.Status)
	switch status {
	case SpanStatusOK, SpanStatusError, SpanStatusUnset:
	case "":
		status = SpanStatusUnset
	default:
		return Span{}, fmt.Errorf("model: invalid status %q", in.Status)
	}

	durationMS := float64(in.EndTime-in.StartTime) / 1e6
	if in.DurationMS != nil {
		durationMS = *in.DurationMS
	}

	attrs, err := CoerceAttributes(in.Attributes)
	if err != nil {
		return Span{}, err
	}

	var events []SpanEvent
	if len(in.Events) > 0 {
		events = make([]SpanEvent, 0, len(in.Events))
		for i, ev := range in.Events {
			evAttrs, err := CoerceAttributes(ev.Attributes)
			if err != nil {
				return Span{}, fmt.Errorf("model: events[%d]: %w", i, err)
			}
			events = append(events, SpanEvent{
				Name:        ev.Name,
				TimestampNS: ev.TimestampNS,
				Attributes:  evAttrs,
			})
		}
	}

	serviceName := in.ServiceName
	if serviceName == "" {
		serviceName = "default"
	}

	return Span{
		SpanID:       in.SpanID,
		TraceID:      in.TraceID,
		ParentSpanID: in.ParentSpanID,
		ProjectID:    projectID,
		Name:         in.Name,
		ServiceName:  serviceName,
		Status:       status,
		StartTime:    in.StartTime,
		EndTime:      in.EndTime,
		DurationMS:   durationMS,
		Attributes:   attrs,
		Events:       events,
	}, nil
}

// CoerceAttributes converts client attribute values to their canonical string
// form. Scalars render as their JSON literal (without quotes for strings);
// nested objects and arrays are JSON-encoded into the value string.
func CoerceAttributes(in map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		s, err := coerceScalar(v)
		if err != nil {
			return nil, fmt.Errorf("model: attribute %q: %w", k, err)
		}
		if len(s) > MaxAttributeValue {
			return nil, fmt.Errorf("model: attribute %q exceeds %d bytes", k, MaxAttributeValue)
		}
		out[k] = s
	}
	return out, nil
}

func coerceScalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		// JSON numbers decode as float64. Render integral values without
		// a fractional part so "100" survives the round trip.
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case json.Number:
		return t.String(), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode non-scalar value: %w", err)
		}
		return string(encoded), nil
	}
}

func validateID(field, v string) error {
	if v == "" {
		return fmt.Errorf("model: %s must be non-empty", field)
	}
	if len(v) > MaxIDLen {
		return fmt.Errorf("model: %s exceeds %d characters", field, MaxIDLen)
	}
	for _, r := range v {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("model: %s contains non-printable characters", field)
		}
	}
	return nil
}
