// Package bus provides the durable event bus on Redis Streams: append-only
// keyed streams with consumer-group semantics (at-least-once delivery,
// per-group cursor, per-consumer pending list, explicit acknowledgment).
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentstack/agentstack/internal/model"
)

// Stream names used by the pipeline.
const (
	StreamSpans  = "spans.ingest"
	StreamAlerts = "alerts.live"
)

// payloadField is the single stream-entry field holding the encoded payload.
// Keeping one fixed field keeps entry size small and the structure uniform.
const payloadField = "data"

// StartPosition selects where a newly created consumer group begins reading.
type StartPosition string

const (
	FromOldest StartPosition = "from-oldest"
	NewOnly    StartPosition = "new-only"
)

// Message is one delivered stream entry. ID is a monotonically increasing
// opaque token within the stream.
type Message struct {
	ID      string
	Payload []byte
}

// Bus is the Redis Streams event bus adapter. Safe for concurrent use.
type Bus struct {
	rdb    *redis.Client
	maxLen int64
	logger *slog.Logger
}

// New connects to the event bus at the given redis:// URL. maxLen is the
// approximate per-stream length cap; the backing store may evict entries
// beyond it regardless of pending state.
func New(url string, maxLen int64, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse url: %w", err)
	}
	return &Bus{
		rdb:    redis.NewClient(opts),
		maxLen: maxLen,
		logger: logger,
	}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, maxLen int64, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, maxLen: maxLen, logger: logger}
}

// Ping verifies connectivity to the backing store.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus: ping: %w", errUnavailable(err))
	}
	return nil
}

// Append atomically appends payload to the stream and returns the assigned
// message id. Fails with model.ErrUnavailable if the store is unreachable.
func (b *Bus) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: append to %s: %w", stream, errUnavailable(err))
	}
	return id, nil
}

// CreateGroup creates a consumer group on the stream, creating the stream if
// needed. Idempotent: an already-existing group is not an error. Any other
// failure is fatal to the caller.
func (b *Bus) CreateGroup(ctx context.Context, stream, group string, pos StartPosition) error {
	start := "$"
	if pos == FromOldest {
		start = "0"
	}
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, stream, errUnavailable(err))
	}
	return nil
}

// Read reads up to maxCount new messages for (group, consumer), blocking for
// at most block. Returns an empty slice on expiry. Delivered messages join
// the group's pending list until acknowledged.
func (b *Bus) Read(ctx context.Context, stream, group, consumer string, maxCount int64, block time.Duration) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    maxCount,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: read %s as %s/%s: %w", stream, group, consumer, errUnavailable(err))
	}

	return collectMessages(res), nil
}

// collectMessages flattens XREADGROUP results. A malformed entry with no
// usable payload field is delivered with a nil payload so the consumer's
// poison handling routes it to the DLQ.
func collectMessages(res []redis.XStream) []Message {
	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			payload, ok := m.Values[payloadField]
			if !ok {
				msgs = append(msgs, Message{ID: m.ID})
				continue
			}
			switch v := payload.(type) {
			case string:
				msgs = append(msgs, Message{ID: m.ID, Payload: []byte(v)})
			case []byte:
				msgs = append(msgs, Message{ID: m.ID, Payload: v})
			default:
				msgs = append(msgs, Message{ID: m.ID})
			}
		}
	}
	return msgs
}

// ReadBacklog reads up to maxCount of the consumer's own pending (delivered
// but unacknowledged) messages with ids greater than after ("0" for the
// start). Consumers call this on startup and periodically so messages left
// pending by a crash or a processing failure get retried.
func (b *Bus) ReadBacklog(ctx context.Context, stream, group, consumer, after string, maxCount int64) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, after},
		Count:    maxCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: read backlog %s as %s/%s: %w", stream, group, consumer, errUnavailable(err))
	}
	return collectMessages(res), nil
}

// Acknowledge removes ids from the group's pending list. Safe to call in bulk.
func (b *Bus) Acknowledge(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("bus: ack %d ids on %s/%s: %w", len(ids), stream, group, errUnavailable(err))
	}
	return nil
}

// DeadLetter forwards a poison message to the stream's dead-letter stream
// with the failure reason, then acknowledges the original so the group moves
// past it.
func (b *Bus) DeadLetter(ctx context.Context, stream, group string, msg Message, reason string) error {
	dlq := stream + ".dlq"
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			payloadField: msg.Payload,
			"origin_id":  msg.ID,
			"group":      group,
			"reason":     reason,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: dead-letter %s to %s: %w", msg.ID, dlq, errUnavailable(err))
	}
	b.logger.Warn("bus: message dead-lettered",
		"stream", stream, "group", group, "message_id", msg.ID, "reason", reason)
	return b.Acknowledge(ctx, stream, group, msg.ID)
}

// CheckEviction detects stream entries that were evicted by the length cap
// while still pending for the group. Such eviction is catastrophic data loss
// and is logged at ERROR. Returns the number of lost pending messages.
func (b *Bus) CheckEviction(ctx context.Context, stream, group string) (int64, error) {
	pending, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil || pending.Count == 0 {
		return 0, nil
	}

	first, err := b.rdb.XRangeN(ctx, stream, "-", "+", 1).Result()
	if err != nil || len(first) == 0 {
		return 0, nil
	}

	if compareStreamIDs(pending.Lower, first[0].ID) >= 0 {
		return 0, nil
	}

	// Count pending entries older than the oldest surviving stream entry.
	lost, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  pending.Lower,
		End:    "(" + first[0].ID,
		Count:  pending.Count,
	}).Result()
	if err != nil {
		return 0, nil
	}
	if len(lost) > 0 {
		b.logger.Error("bus: pending messages evicted by stream cap, data lost",
			"stream", stream, "group", group, "lost", len(lost))
	}
	return int64(len(lost)), nil
}

// Client exposes the underlying client for components that share the same
// backing store, such as the cross-instance rate limiter.
func (b *Bus) Client() *redis.Client {
	return b.rdb
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// compareStreamIDs orders two redis stream ids of the form "<ms>-<seq>".
func compareStreamIDs(a, c string) int {
	am, as := splitStreamID(a)
	cm, cs := splitStreamID(c)
	if am != cm {
		if am < cm {
			return -1
		}
		return 1
	}
	if as != cs {
		if as < cs {
			return -1
		}
		return 1
	}
	return 0
}

func splitStreamID(id string) (ms, seq int64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ = parseInt(parts[0])
	if len(parts) == 2 {
		seq, _ = parseInt(parts[1])
	}
	return ms, seq
}

func parseInt(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// errUnavailable tags transport-level failures with the Unavailable kind so
// callers can map them to 503/retry behavior. Context cancellation passes
// through unchanged.
func errUnavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
}
