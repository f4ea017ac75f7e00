package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventConnected is the first event every subscription receives.
const EventConnected = "connected"

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Mirror receives a copy of every published event, outside the hub lock.
type Mirror interface {
	Forward(ev Event)
}

// Subscription is one observer's stream of events.
type Subscription struct {
	ID string
	C  <-chan Event

	ch     chan Event
	closed atomic.Bool
}

// Close marks the subscription as gone. The hub drops it on its next publish.
func (s *Subscription) Close() {
	s.closed.Store(true)
}

// Hub is an in-memory pub/sub. Late subscribers get no replay and slow ones
// miss events rather than block publishers.
type Hub struct {
	nextID atomic.Int64
	buffer int

	mu      sync.Mutex
	subs    map[string]*Subscription
	mirrors []Mirror
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 128
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]*Subscription),
	}
}

// AddMirror registers a sink that receives every published event.
func (h *Hub) AddMirror(m Mirror) {
	h.mu.Lock()
	h.mirrors = append(h.mirrors, m)
	h.mu.Unlock()
}

// NewEvent stamps a payload with the next sequence id without publishing it.
func (h *Hub) NewEvent(eventType string, data any) Event {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	return Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
}

func (h *Hub) Publish(eventType string, data any) {
	ev := h.NewEvent(eventType, data)

	h.mu.Lock()
	for id, sub := range h.subs {
		if sub.closed.Load() {
			delete(h.subs, id)
			close(sub.ch)
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	mirrors := h.mirrors
	h.mu.Unlock()

	for _, m := range mirrors {
		m.Forward(ev)
	}
}

// Subscribe registers a new observer. Its first event is EventConnected
// carrying the subscriber id.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}
	ch <- h.NewEvent(EventConnected, map[string]any{
		"clientId":  sub.ID,
		"timestamp": time.Now().UTC(),
	})

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, sub := range h.subs {
		if !sub.closed.Load() {
			n++
		}
	}
	return n
}
