package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/keydir"
	"github.com/agentstack/agentstack/internal/model"
	"github.com/agentstack/agentstack/internal/ratelimit"
)

// Handlers owns the ingest endpoints and their dependencies.
type Handlers struct {
	keys    *keydir.Directory
	bus     *bus.Bus
	limiter ratelimit.Limiter
	probe   *Probe
	logger  *slog.Logger

	maxBodyBytes int64
}

// handleIngest accepts a batch of spans, authenticates it, and appends each
// valid span to the ingest stream. Partial success is success: the response
// reports how many spans were queued, and a batch fails outright only when
// nothing could be queued.
func (h *Handlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, model.ErrCapacity) {
			writeError(w, http.StatusRequestEntityTooLarge, model.ErrCodePayloadTooLarge,
				fmt.Sprintf("body exceeds %d bytes", h.maxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidPayload, "unreadable body")
		return
	}

	projectID, err := h.keys.Resolve(ctx, r.Header.Get("X-API-Key"))
	if err != nil {
		if errors.Is(err, model.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "metadata store unavailable")
			return
		}
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}
	h.probe.MarkKeyDirectory()

	if allowed, err := h.limiter.Allow(ctx, projectID); err == nil && !allowed {
		writeError(w, http.StatusTooManyRequests, model.ErrCodeRateLimited, "ingest rate exceeded")
		return
	}

	inputs, err := decodeSpans(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidPayload, err.Error())
		return
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidPayload, "no spans in payload")
		return
	}

	queued := 0
	invalid := 0
	var appendErr error
	for _, in := range inputs {
		span, err := in.Canonicalize(projectID)
		if err != nil {
			invalid++
			h.logger.Debug("ingress: span rejected",
				"project_id", projectID, "span_id", in.SpanID, "error", err)
			continue
		}
		payload, err := msgpack.Marshal(span)
		if err != nil {
			invalid++
			continue
		}
		if _, err := h.bus.Append(ctx, bus.StreamSpans, payload); err != nil {
			// Bus failure or request deadline: stop here. Whatever was already
			// queued stays queued and is reported below.
			appendErr = err
			break
		}
		queued++
	}
	if queued > 0 {
		h.probe.MarkEventBus()
	}

	if invalid > 0 {
		h.logger.Warn("ingress: invalid spans discarded",
			"project_id", projectID, "invalid", invalid, "queued", queued)
	}

	if queued == 0 {
		if appendErr != nil {
			h.logger.Error("ingress: batch lost, event bus unavailable",
				"project_id", projectID, "error", appendErr)
			writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event bus unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidPayload, "no valid spans in payload")
		return
	}

	writeJSON(w, http.StatusAccepted, model.IngestResponse{
		Status:      "accepted",
		SpansQueued: queued,
	})
}

// handleHealth reports process liveness unconditionally.
func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{Status: "ok"})
}

// handleReady reports readiness: both the key directory and the event bus
// must have succeeded recently.
func (h *Handlers) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !h.probe.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, model.ReadyResponse{Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{Ready: true})
}

// decodeSpans accepts the three payload shapes clients send: an envelope
// {"spans": [...]}, a bare array, or a single span object.
func decodeSpans(body []byte) ([]model.SpanInput, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}

	if trimmed[0] == '[' {
		var spans []model.SpanInput
		if err := json.Unmarshal(trimmed, &spans); err != nil {
			return nil, fmt.Errorf("malformed span array: %w", err)
		}
		return spans, nil
	}

	var envelope struct {
		Spans json.RawMessage `json:"spans"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if envelope.Spans != nil {
		var spans []model.SpanInput
		if err := json.Unmarshal(envelope.Spans, &spans); err != nil {
			return nil, fmt.Errorf("malformed spans field: %w", err)
		}
		return spans, nil
	}

	var single model.SpanInput
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("malformed span object: %w", err)
	}
	return []model.SpanInput{single}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// retryAfterSeconds is the backoff hint stamped on 503 responses.
const retryAfterSeconds = "5"

func writeError(w http.ResponseWriter, status int, code, detail string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, model.ErrorResponse{Error: code, Detail: detail})
}
