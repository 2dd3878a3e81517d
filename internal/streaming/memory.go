package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mirelk/stepflow/pkg/schema"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing messages rather than stalling the
// engine.
const subscriberBuffer = 64

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan schema.Message
}

func (s *subscriber) wants(msg schema.Message) bool {
	if s.filter.ExecutionID != "" && s.filter.ExecutionID != msg.ExecutionID {
		return false
	}
	if len(s.filter.Types) == 0 {
		return true
	}
	for _, t := range s.filter.Types {
		if t == msg.Type {
			return true
		}
	}
	return false
}

// Hub is the in-memory Broadcaster and Subscriber implementation. Publishes
// never block: a full subscriber channel drops the message and counts it.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

var (
	_ Broadcaster = (*Hub)(nil)
	_ Subscriber  = (*Hub)(nil)
)

// Subscribe registers a new subscriber and returns its message channel plus
// a cancel function. The channel is closed on cancel or when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Message, func(), error) {
	sub := &subscriber{
		filter: filter,
		ch:     make(chan schema.Message, subscriberBuffer),
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub.id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return sub.ch, cancel, nil
}

// BroadcastToExecution delivers msg to subscribers watching this execution
// (or everything).
func (h *Hub) BroadcastToExecution(executionID string, msg schema.Message) {
	msg.ExecutionID = executionID
	h.publish(msg)
}

// BroadcastToAll delivers msg to every subscriber regardless of its
// execution filter.
func (h *Hub) BroadcastToAll(msg schema.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		h.send(sub, msg)
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of messages discarded because a subscriber's
// channel was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) publish(msg schema.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.wants(msg) {
			h.send(sub, msg)
		}
	}
}

func (h *Hub) send(sub *subscriber, msg schema.Message) {
	select {
	case sub.ch <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Debug("dropping broadcast message for slow subscriber",
			"subscriber_id", sub.id, "type", msg.Type, "execution_id", msg.ExecutionID)
	}
}
