// Package events is an in-memory pub/sub of executor lifecycle events with a
// replay ring for late readers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types.
const (
	TypeWorkQueued      = "work.queued"
	TypeWorkRejected    = "work.rejected"
	TypeWorkStarted     = "work.started"
	TypeWorkCompleted   = "work.completed"
	TypeDispatcherState = "dispatcher.state"
	TypeScheduleFired   = "schedule.fired"
	TypeScheduleSkipped = "schedule.skipped"
)

// DefaultCapacity is the ring size used when NewHub is given a non-positive
// capacity.
const DefaultCapacity = 256

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Work is the payload of the work.* events.
type Work struct {
	ID         string `json:"id"`
	Graph      string `json:"graph"`
	Mode       string `json:"mode,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// State is the payload of dispatcher.state events.
type State struct {
	State     string `json:"state"`
	Processed uint64 `json:"processed"`
}

// Schedule is the payload of schedule.* events.
type Schedule struct {
	Name   string `json:"name"`
	Graph  string `json:"graph,omitempty"`
	WorkID string `json:"work_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Hub fans events out to subscribers and keeps the most recent ones. A nil
// *Hub drops everything published to it.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and offers it to every subscriber. data is
// encoded as JSON; an unencodable payload is stored as {}.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers miss events instead of blocking the dispatcher.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, buffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// LastID returns the ID of the most recent event, or 0.
func (h *Hub) LastID() int64 {
	return h.nextID.Load()
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
