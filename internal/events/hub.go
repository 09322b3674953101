package events

import (
	"sync"
	"time"

	"github.com/veritydir/chainlog/internal/metrics"
)

// Hub is the central event bus for the audit engine.
// It provides pub/sub semantics with typed events and non-blocking fan-out:
// a full subscriber channel drops the event rather than blocking the
// publisher, so a slow dashboard can never throttle the append path.
type Hub struct {
	mu   sync.RWMutex
	subs map[Kind][]chan Event

	// Global subscribers receive all events
	global []chan Event

	published uint64
	dropped   uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[Kind][]chan Event),
	}
}

// Publish sends an event to all subscribers of that kind.
// Publishes are serialized, so per-subscriber channel order matches
// publish order; sends are non-blocking.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published++
	metrics.Get().EventsPublished.Inc()

	for _, ch := range h.subs[e.Kind] {
		select {
		case ch <- e:
		default:
			h.dropped++
			metrics.Get().EventsDropped.Inc()
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped++
			metrics.Get().EventsDropped.Inc()
		}
	}
}

// Subscribe returns a channel that receives events of the specified kinds.
// If no kinds are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, kinds ...Kind) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(kinds) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, k := range kinds {
			h.subs[k] = append(h.subs[k], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for k, subs := range h.subs {
		h.subs[k] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published, h.dropped
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// EmitLog publishes a new-entry event.
func (h *Hub) EmitLog(d LogData) {
	h.Publish(Event{Kind: KindLog, Data: d})
}

// EmitAlert publishes an alert event.
func (h *Hub) EmitAlert(d AlertData) {
	h.Publish(Event{Kind: KindAlert, Data: d})
}
