// Package broadcast fans live security alerts out to websocket subscribers.
// Delivery is best effort: a slow subscriber loses its oldest queued alerts,
// never the connection and never other subscribers' throughput.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentstack/agentstack/internal/bus"
)

// Group is the hub's consumer group on the alert stream.
const Group = "broadcast-hub"

const readErrorPause = time.Second

// Subscription is one subscriber's view of the hub. Receive from C; Close
// when done. C is closed by Close.
type Subscription struct {
	hub *Hub
	sub *subscriber
}

// C is the alert delivery channel.
func (s *Subscription) C() <-chan []byte {
	return s.sub.out
}

// Dropped returns how many alerts were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.sub.dropped.Load()
}

// Close detaches the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.sub)
}

type subscriber struct {
	project string // Empty subscribes to all projects.
	out     chan []byte
	dropped atomic.Int64
	closed  bool // Guarded by hub.mu.
}

// Hub is the subscriber registry and fan-out point. Safe for concurrent use.
type Hub struct {
	queueSize int
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates a hub whose subscribers each get a queue of queueSize.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		subs:      make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a subscriber. project scopes delivery to one project;
// empty receives everything.
func (h *Hub) Subscribe(project string) *Subscription {
	sub := &subscriber{
		project: project,
		out:     make(chan []byte, h.queueSize),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return &Subscription{hub: h, sub: sub}
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.out)
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish enqueues payload to every subscriber matching projectID. A full
// queue drops its oldest entry to make room, counting the drop against the
// subscriber.
func (h *Hub) Publish(projectID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.project != "" && sub.project != projectID {
			continue
		}
		select {
		case sub.out <- payload:
		default:
			// Full: evict the oldest queued alert, then retry once. The
			// second default covers a racing reader that emptied the queue
			// and a racing writer that refilled it.
			select {
			case <-sub.out:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.out <- payload:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Run consumes the live alert stream and fans each alert out, acknowledging
// immediately after fan-out: subscribers are ephemeral and alerts are durably
// stored elsewhere. Live subscribers only want new alerts, so the group
// starts at the stream tail.
func (h *Hub) Run(ctx context.Context, b *bus.Bus, consumer string, batchSize int64, poll time.Duration) error {
	if err := b.CreateGroup(ctx, bus.StreamAlerts, Group, bus.NewOnly); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := b.Read(ctx, bus.StreamAlerts, Group, consumer, batchSize, poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Warn("broadcast: read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorPause):
			}
			continue
		}

		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
			var meta struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(m.Payload, &meta); err != nil {
				h.logger.Warn("broadcast: undecodable alert skipped", "message_id", m.ID, "error", err)
				continue
			}
			h.Publish(meta.ProjectID, m.Payload)
		}
		if err := b.Acknowledge(ctx, bus.StreamAlerts, Group, ids...); err != nil {
			h.logger.Warn("broadcast: ack failed", "error", err)
		}
	}
}
