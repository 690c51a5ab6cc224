package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/columnar"
	"github.com/agentstack/agentstack/internal/model"
	"github.com/agentstack/agentstack/internal/spill"
)

const (
	// hardCapBuffered stops reads when the insert backlog grows this large,
	// shifting backpressure to the event bus.
	hardCapBuffered = 50_000

	// dedupCapacity bounds the recently-inserted span id set used to drop
	// redeliveries.
	dedupCapacity = 100_000

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// PersistenceWriter batches spans from the ingest stream into the columnar
// store. Messages are acknowledged only after their spans are durable: in the
// store, deduplicated against a recent insert, or written to the spill file.
type PersistenceWriter struct {
	bus    *bus.Bus
	store  columnar.Inserter
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration
	retryBudget   int
	spillPath     string

	buffer    []bufferedSpan
	buffered  map[string]bool
	lastFlush time.Time
	failures  int
	nextRetry time.Time

	recent *dedupSet
	poison *poisonTracker
}

// bufferedSpan pairs a decoded span with its stream id and original payload.
// Replayed spill records carry an empty id (nothing left to acknowledge).
type bufferedSpan struct {
	id      string
	span    model.Span
	payload []byte
}

// NewPersistenceWriter constructs the writer. spillPath may be empty to
// disable spilling.
func NewPersistenceWriter(b *bus.Bus, store columnar.Inserter, batchSize int, flushInterval time.Duration, retryBudget int, spillPath string, logger *slog.Logger) *PersistenceWriter {
	return &PersistenceWriter{
		bus:           b,
		store:         store,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryBudget:   retryBudget,
		spillPath:     spillPath,
		buffered:      make(map[string]bool),
		lastFlush:     time.Now(),
		recent:        newDedupSet(dedupCapacity),
		poison:        newPoisonTracker(),
	}
}

// ReplaySpill loads records left by a previous run and inserts them before
// normal consumption starts, deleting the spill file on success. On failure
// the file is kept for the next restart.
func (w *PersistenceWriter) ReplaySpill(ctx context.Context) error {
	if w.spillPath == "" {
		return nil
	}
	records, err := spill.ReadAll(w.spillPath, w.logger)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	spans := make([]model.Span, 0, len(records))
	for _, rec := range records {
		var s model.Span
		if err := msgpack.Unmarshal(rec, &s); err != nil {
			w.logger.Warn("persistence: undecodable spill record dropped", "error", err)
			continue
		}
		spans = append(spans, s)
	}

	for start := 0; start < len(spans); start += w.batchSize {
		end := min(start+w.batchSize, len(spans))
		if err := w.store.InsertSpans(ctx, spans[start:end]); err != nil {
			return err
		}
		for _, s := range spans[start:end] {
			w.recent.add(spanKey(s))
		}
	}

	w.logger.Info("persistence: spill replayed", "spans", len(spans))
	return spill.Remove(w.spillPath)
}

// HandleBatch decodes and buffers spans. Redeliveries of recently inserted
// spans are acknowledged without another insert; undecodable payloads go
// through poison handling.
func (w *PersistenceWriter) HandleBatch(ctx context.Context, msgs []bus.Message) {
	var acks []string
	for _, m := range msgs {
		var s model.Span
		if len(m.Payload) == 0 {
			w.handlePoison(ctx, m, "empty payload")
			continue
		}
		if err := msgpack.Unmarshal(m.Payload, &s); err != nil {
			w.handlePoison(ctx, m, "msgpack decode: "+err.Error())
			continue
		}
		w.poison.forget(m.ID)

		key := spanKey(s)
		if w.recent.contains(key) || w.buffered[key] {
			acks = append(acks, m.ID)
			continue
		}
		w.buffered[key] = true
		w.buffer = append(w.buffer, bufferedSpan{id: m.ID, span: s, payload: m.Payload})
	}

	if err := w.bus.Acknowledge(ctx, bus.StreamSpans, GroupPersistence, acks...); err != nil {
		w.logger.Warn("persistence: ack failed", "error", err)
	}
}

// Tick flushes when the batch is full or the flush interval has elapsed,
// honoring the failure backoff.
func (w *PersistenceWriter) Tick(ctx context.Context) {
	if len(w.buffer) == 0 {
		w.lastFlush = time.Now()
		return
	}
	if len(w.buffer) < w.batchSize && time.Since(w.lastFlush) < w.flushInterval {
		return
	}
	if time.Now().Before(w.nextRetry) {
		return
	}
	w.flush(ctx)
}

func (w *PersistenceWriter) Ready() bool {
	return len(w.buffer) < hardCapBuffered
}

// Drain makes a final flush attempt, spilling on failure so no acknowledged
// work is lost and unacknowledged work stays pending for redelivery.
func (w *PersistenceWriter) Drain(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	w.nextRetry = time.Time{}
	w.flush(ctx)
	if len(w.buffer) == 0 {
		return nil
	}
	if w.spillPath != "" {
		return w.spillBuffer(ctx)
	}
	w.logger.Error("persistence: exiting with unflushed spans, left pending for redelivery",
		"spans", len(w.buffer))
	return nil
}

// flush inserts the whole buffer. On success the spans join the dedup set and
// their messages are acknowledged. On failure the backoff advances, and once
// the retry budget is spent the buffer is spilled to disk.
func (w *PersistenceWriter) flush(ctx context.Context) {
	spans := make([]model.Span, len(w.buffer))
	for i, b := range w.buffer {
		spans[i] = b.span
	}

	if err := w.store.InsertSpans(ctx, spans); err != nil {
		w.failures++
		backoff := backoffFor(w.failures)
		w.nextRetry = time.Now().Add(backoff)
		w.logger.Warn("persistence: insert failed",
			"spans", len(spans), "failures", w.failures, "retry_in", backoff, "error", err)

		if w.failures >= w.retryBudget && w.spillPath != "" {
			if err := w.spillBuffer(ctx); err != nil {
				w.logger.Error("persistence: spill failed", "error", err)
			}
		}
		return
	}

	var acks []string
	for _, b := range w.buffer {
		w.recent.add(spanKey(b.span))
		if b.id != "" {
			acks = append(acks, b.id)
		}
	}
	if err := w.bus.Acknowledge(ctx, bus.StreamSpans, GroupPersistence, acks...); err != nil {
		w.logger.Warn("persistence: ack failed after insert", "error", err)
	}

	w.logger.Debug("persistence: batch flushed", "spans", len(spans))
	w.resetBuffer()
}

// spillBuffer persists the buffer to the spill file, oldest first, then
// acknowledges: the data is durable locally and will be replayed on the next
// startup.
func (w *PersistenceWriter) spillBuffer(ctx context.Context) error {
	f, err := spill.Open(w.spillPath, w.logger)
	if err != nil {
		return err
	}
	defer f.Close()

	var acks []string
	for _, b := range w.buffer {
		if err := f.Append(b.payload); err != nil {
			return err
		}
		if b.id != "" {
			acks = append(acks, b.id)
		}
	}
	if err := w.bus.Acknowledge(ctx, bus.StreamSpans, GroupPersistence, acks...); err != nil {
		w.logger.Warn("persistence: ack failed after spill", "error", err)
	}

	w.logger.Error("persistence: store unavailable beyond retry budget, buffer spilled to disk",
		"spans", len(w.buffer), "path", w.spillPath)
	w.resetBuffer()
	return nil
}

func (w *PersistenceWriter) resetBuffer() {
	w.buffer = w.buffer[:0]
	clear(w.buffered)
	w.lastFlush = time.Now()
	w.failures = 0
	w.nextRetry = time.Time{}
}

// spanKey identifies a span for deduplication. span_id is unique only within
// a project, so the key carries both.
func spanKey(s model.Span) string {
	return s.ProjectID + "/" + s.SpanID
}

func (w *PersistenceWriter) handlePoison(ctx context.Context, m bus.Message, reason string) {
	if w.poison.fail(m.ID) < poisonAttempts {
		return
	}
	w.poison.forget(m.ID)
	if err := w.bus.DeadLetter(ctx, bus.StreamSpans, GroupPersistence, m, reason); err != nil {
		w.logger.Warn("persistence: dead-letter failed", "message_id", m.ID, "error", err)
	}
}

// backoffFor is exponential from backoffInitial to backoffMax with ±25%
// jitter.
func backoffFor(failures int) time.Duration {
	d := backoffMax
	if failures <= 6 {
		d = backoffInitial << (failures - 1)
		if d > backoffMax {
			d = backoffMax
		}
	}
	jitter := 0.75 + rand.Float64()/2
	return time.Duration(float64(d) * jitter)
}

// dedupSet is a fixed-capacity set with FIFO eviction.
type dedupSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
	next     int
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

func (d *dedupSet) add(id string) {
	if _, ok := d.members[id]; ok {
		return
	}
	if len(d.order) < d.capacity {
		d.order = append(d.order, id)
	} else {
		delete(d.members, d.order[d.next])
		d.order[d.next] = id
		d.next = (d.next + 1) % d.capacity
	}
	d.members[id] = struct{}{}
}

func (d *dedupSet) contains(id string) bool {
	_, ok := d.members[id]
	return ok
}
