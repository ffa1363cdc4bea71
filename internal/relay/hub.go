package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
)

const DefaultSubscriberBuffer = 64

// Subscription receives events for a fixed set of rooms until Close is called
// or the hub evicts it for falling behind. In both cases C is closed.
type Subscription struct {
	C <-chan models.Event

	ch     chan models.Event
	hub    *Hub
	rooms  []string // guarded by hub.mu
	closed bool     // guarded by hub.mu
	// driverID is set for driver subscriptions. The hub uses it to take the
	// driver out of a ride room once released from that ride.
	driverID string
}

func (s *Subscription) Rooms() []string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return append([]string(nil), s.rooms...)
}

func (s *Subscription) Close() { s.hub.remove(s, false) }

// Hub routes events to the subscriptions of every room an event belongs to.
// Publish never blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{rooms: make(map[string]map[*Subscription]struct{}), buffer: buffer, logger: logger}
}

func (h *Hub) Subscribe(rooms ...string) *Subscription {
	return h.subscribe("", rooms)
}

// SubscribeDriver is Subscribe for a driver's connection. Ride rooms are
// left automatically when the driver is released from the ride.
func (h *Hub) SubscribeDriver(driverID string, rooms ...string) *Subscription {
	return h.subscribe(driverID, rooms)
}

func (h *Hub) subscribe(driverID string, rooms []string) *Subscription {
	ch := make(chan models.Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, rooms: dedupe(rooms), hub: h, driverID: driverID}

	h.mu.Lock()
	for _, r := range s.rooms {
		subs, ok := h.rooms[r]
		if !ok {
			subs = make(map[*Subscription]struct{})
			h.rooms[r] = subs
		}
		subs[s] = struct{}{}
	}
	h.mu.Unlock()
	observability.Subscribers.Inc()
	return s
}

func (h *Hub) Publish(_ context.Context, evt models.Event) error {
	var slow []*Subscription
	seen := make(map[*Subscription]struct{})

	h.mu.RLock()
	for _, r := range evt.Rooms() {
		for s := range h.rooms[r] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			select {
			case s.ch <- evt:
			default:
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.remove(s, true)
	}
	if evt.Type == models.EventDriverReleased && evt.DriverID != "" {
		h.revoke(evt.DriverID, models.RoomRide(evt.BookingID))
	}
	return nil
}

// revoke takes driverID's subscriptions out of room. The subscription stays
// open for its other rooms.
func (h *Hub) revoke(driverID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.rooms[room]
	for s := range subs {
		if s.driverID != driverID {
			continue
		}
		delete(subs, s)
		kept := s.rooms[:0]
		for _, r := range s.rooms {
			if r != room {
				kept = append(kept, r)
			}
		}
		s.rooms = kept
		h.logger.Info("driver left ride room", "driver_id", driverID, "room", room)
	}
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

// SubscriberCount reports subscriptions currently joined to room.
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) remove(s *Subscription, evicted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, r := range s.rooms {
		if subs, ok := h.rooms[r]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.rooms, r)
			}
		}
	}
	close(s.ch)
	observability.Subscribers.Dec()
	if evicted {
		observability.SlowEvictions.Inc()
		h.logger.Warn("evicted slow subscriber", "rooms", s.rooms)
	}
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
