// Package events fans session events out to live subscribers such as SSE
// clients.
package events

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Type names an event kind on the wire.
type Type string

const (
	TypeState     Type = "state"
	TypeStatus    Type = "status"
	TypeError     Type = "error"
	TypeInterim   Type = "interim"
	TypeFinal     Type = "final"
	TypeUser      Type = "user"
	TypeAssistant Type = "assistant"
	TypeExtracted Type = "extracted"
	TypeAudio     Type = "audio"
	TypeSubmitted Type = "submitted"
)

// Event is one observable change of the voice session.
type Event struct {
	Type    Type           `json:"type"`
	State   string         `json:"state,omitempty"`
	Message string         `json:"message,omitempty"`
	Text    string         `json:"text,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Audio   string         `json:"audio,omitempty"` // base64
	Format  string         `json:"format,omitempty"`
	At      time.Time      `json:"at"`
}

// Hub broadcasts events. Slow subscribers lose events instead of blocking
// publishers.
type Hub struct {
	logger *log.Logger

	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
}

// NewHub returns an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger: logger.WithPrefix("events"),
		subs:   make(map[string]chan Event),
	}
}

// Publish delivers e to every subscriber.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Warn("subscriber lagging, event dropped", "subscriber", id, "type", e.Type)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe(buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return id, ch, func() {}
	}
	h.subs[id] = ch
	h.mu.Unlock()

	h.logger.Debug("subscribed", "subscriber", id)
	var once sync.Once
	return id, ch, func() {
		once.Do(func() { h.remove(id) })
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}
