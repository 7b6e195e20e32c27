// Package stream fans security events and breaker transitions out to
// connected operator consoles.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/breaker"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

const (
	TypeReady             = "ready"
	TypeSecurityEvent     = "security_event"
	TypeBreakerTransition = "breaker_transition"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub is a non-blocking broadcaster. A subscriber whose buffer is full
// misses the event; the miss is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// SecuritySink publishes every monitor event.
func (h *Hub) SecuritySink() secmon.Sink {
	return secmon.SinkFunc(func(_ context.Context, e secmon.Event) error {
		h.Publish(NewEvent(TypeSecurityEvent, e))
		return nil
	})
}

type breakerTransition struct {
	Dependency string    `json:"dependency"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
}

// BreakerListener publishes state transitions and ignores per-call events.
func (h *Hub) BreakerListener() breaker.Listener {
	return func(e breaker.Event) {
		if e.Kind != breaker.EventStateTransition {
			return
		}
		h.Publish(NewEvent(TypeBreakerTransition, breakerTransition{
			Dependency: e.Breaker,
			From:       e.From.String(),
			To:         e.To.String(),
			At:         e.At,
		}))
	}
}
