// Package hub broadcasts instance state-change events to subscribers.
// Delivery is best-effort and ordered per instance; a subscriber that
// cannot keep up is dropped rather than allowed to block the engine.
package hub

import (
	"sync"

	"flowhost/internal/domain"
	"flowhost/internal/metrics"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 64

// Subscription is one observer's bounded event stream. C closes when the
// subscriber unsubscribes or overflows; check Err after C closes to tell
// the two apart.
type Subscription struct {
	C chan domain.Event

	hub        *Hub
	instanceID uuid.UUID // uuid.Nil subscribes to everything
	all        bool
	once       sync.Once

	mu  sync.Mutex
	err error
}

// Err reports why the subscription ended; ErrSubscriberOverflow after an
// overflow disconnect, nil after a clean Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// ErrSubscriberOverflow marks a subscriber dropped for falling behind. It
// never affects engine state.
var ErrSubscriberOverflow = domain.ErrSubscriberOverflow

type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

// Subscribe registers an observer for one instance's events.
func (h *Hub) Subscribe(instanceID uuid.UUID) *Subscription {
	return h.subscribe(instanceID, false)
}

// SubscribeAll registers an observer for every instance.
func (h *Hub) SubscribeAll() *Subscription {
	return h.subscribe(uuid.Nil, true)
}

func (h *Hub) subscribe(instanceID uuid.UUID, all bool) *Subscription {
	sub := &Subscription{
		C:          make(chan domain.Event, h.buffer),
		hub:        h,
		instanceID: instanceID,
		all:        all,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish fans the event out without ever blocking. A full subscriber
// queue disconnects that subscriber with an overflow notice.
func (h *Hub) Publish(event domain.Event) {
	h.mu.Lock()
	var overflowed []*Subscription
	for sub := range h.subs {
		if !sub.all && sub.instanceID != event.InstanceID {
			continue
		}
		select {
		case sub.C <- event:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range overflowed {
		h.remove(sub, ErrSubscriberOverflow)
		metrics.DroppedSubscribers.Inc()
	}
}

func (h *Hub) remove(sub *Subscription, err error) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if !present {
		return
	}
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.C)
	})
}
