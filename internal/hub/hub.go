// Package hub fans normalized session events out to any number of live
// subscribers.
//
// Every subscriber owns a bounded queue. Broadcast offers each event to
// every queue without blocking; when a queue is full the new event is
// dropped for that subscriber only. Broadcasts are serialized so every
// subscriber sees events in broadcast order.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

// DefaultBuffer is the queue length used when none is configured.
const DefaultBuffer = 256

// Metrics receives hub counters. A nil Metrics is allowed.
type Metrics interface {
	EventDropped(kind model.EventKind)
	SubscribersChanged(count int)
}

// Subscriber is one attached observer.
type Subscriber struct {
	id     string
	events chan model.Event

	mu       sync.Mutex
	closed   bool
	dropping bool
	dropped  uint64
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string {
	return s.id
}

// Events returns the receive side of the subscriber's queue. It is closed
// on Detach.
func (s *Subscriber) Events() <-chan model.Event {
	return s.events
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// IsClosed returns true once the subscriber has been detached.
func (s *Subscriber) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// offer queues ev without blocking. It reports whether the event was
// queued and whether this drop starts a new run of drops.
func (s *Subscriber) offer(ev model.Event) (queued, firstDrop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}

	select {
	case s.events <- ev:
		s.dropping = false
		return true, false
	default:
		s.dropped++
		first := !s.dropping
		s.dropping = true
		return false, first
	}
}

func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}

// Hub holds the current subscriber set.
type Hub struct {
	buffer  int
	log     zerolog.Logger
	metrics Metrics

	// broadcastMu serializes Broadcast calls.
	broadcastMu sync.Mutex

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// New creates a Hub whose subscribers queue up to buffer events.
func New(buffer int, log zerolog.Logger, metrics Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:      buffer,
		log:         log.With().Str("component", "hub").Logger(),
		metrics:     metrics,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Attach registers a new subscriber. It receives only events broadcast
// after Attach returns.
func (h *Hub) Attach() *Subscriber {
	sub := &Subscriber{
		id:     uuid.NewString(),
		events: make(chan model.Event, h.buffer),
	}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.log.Debug().Str("subscriber", sub.id).Int("subscribers", count).Msg("Subscriber attached")
	if h.metrics != nil {
		h.metrics.SubscribersChanged(count)
	}
	return sub
}

// Detach removes the subscriber and closes its queue. Detaching twice, or
// detaching a subscriber of another hub, is a no-op.
func (h *Hub) Detach(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, ok := h.subscribers[sub]
	delete(h.subscribers, sub)
	count := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}

	sub.close()
	h.log.Debug().Str("subscriber", sub.id).Int("subscribers", count).Msg("Subscriber detached")
	if h.metrics != nil {
		h.metrics.SubscribersChanged(count)
	}
}

// Broadcast offers ev to every attached subscriber and returns the number
// that queued it. It never waits for a subscriber to consume.
func (h *Hub) Broadcast(ev model.Event) int {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subscribers {
		queued, firstDrop := sub.offer(ev)
		if queued {
			delivered++
			continue
		}
		if firstDrop {
			h.log.Warn().
				Str("subscriber", sub.id).
				Str("session_id", ev.SessionID).
				Str("kind", string(ev.Kind)).
				Msg("Subscriber queue full, dropping events")
		}
		if h.metrics != nil {
			h.metrics.EventDropped(ev.Kind)
		}
	}
	return delivered
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if h.metrics != nil {
		h.metrics.SubscribersChanged(0)
	}
}
