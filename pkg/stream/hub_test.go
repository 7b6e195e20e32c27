package stream

import (
	"encoding/json"
	"testing"
)

func TestNewEventCarriesPayload(t *testing.T) {
	t.Parallel()

	evt := NewEvent(TypeBreakerTransition, map[string]string{"dependency": "llm-service", "to": "OPEN"})
	if evt.Type != TypeBreakerTransition || evt.At == "" {
		t.Fatalf("unexpected event %+v", evt)
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["to"] != "OPEN" {
		t.Fatalf("payload %v", payload)
	}
	if NewEvent(TypeReady, nil).Data != nil {
		t.Fatal("nil data must stay empty")
	}
}

func TestHubFansOutToEverySubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a, b := h.Subscribe(4), h.Subscribe(4)
	if h.Subscribers() != 2 {
		t.Fatalf("subscribers=%d", h.Subscribers())
	}
	h.Publish(NewEvent(TypeSecurityEvent, nil))
	if receive(t, a).Type != TypeSecurityEvent || receive(t, b).Type != TypeSecurityEvent {
		t.Fatal("both subscribers should see the event")
	}

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	if _, open := <-a; open {
		t.Fatal("unsubscribed channel should be closed")
	}
	h.Publish(NewEvent(TypeReady, nil))
	if h.Subscribers() != 1 || receive(t, b).Type != TypeReady {
		t.Fatal("remaining subscriber should keep receiving")
	}
	h.Unsubscribe(b)
}

func TestSlowSubscriberMissesAndIsCounted(t *testing.T) {
	t.Parallel()

	h := NewHub()
	slow := h.Subscribe(1)
	fast := h.Subscribe(8)
	defer h.Unsubscribe(slow)
	defer h.Unsubscribe(fast)

	for i := 0; i < 3; i++ {
		h.Publish(NewEvent(TypeSecurityEvent, map[string]int{"seq": i}))
	}
	if h.Dropped() != 2 {
		t.Fatalf("expected two dropped deliveries, got %d", h.Dropped())
	}
	if len(fast) != 3 || len(slow) != 1 {
		t.Fatalf("fast=%d slow=%d", len(fast), len(slow))
	}
	if cap(h.Subscribe(0)) != 32 {
		t.Fatal("default buffer should be 32")
	}
}
