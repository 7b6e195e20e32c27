package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/IVVI0927/AIgreement/pkg/breaker"
	"github.com/IVVI0927/AIgreement/pkg/fault"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestSecuritySinkPublishes(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(4)
	defer h.Unsubscribe(ch)

	err := h.SecuritySink().Deliver(context.Background(), secmon.Event{Type: secmon.XSSAttempt, ClientKey: "203.0.113.9", Detail: "script tag in query"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	evt := receive(t, ch)
	var got secmon.Event
	if err := json.Unmarshal(evt.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != TypeSecurityEvent || got.Type != secmon.XSSAttempt || got.ClientKey != "203.0.113.9" {
		t.Fatalf("unexpected event %+v / %+v", evt, got)
	}
}

func TestBreakerListenerPublishesTransitionsOnly(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(16)
	defer h.Unsubscribe(ch)

	b := breaker.New("llm-service", breaker.Config{WindowSize: 2, MinimumCalls: 2}, breaker.WithListener(h.BreakerListener()))
	for i := 0; i < 2; i++ {
		p, err := b.Allow()
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		b.Record(p, time.Millisecond, fault.New(fault.IO, "read", errors.New("reset")))
	}
	evt := receive(t, ch)
	if evt.Type != TypeBreakerTransition || !strings.Contains(string(evt.Data), `"to":"OPEN"`) || !strings.Contains(string(evt.Data), `"dependency":"llm-service"`) {
		t.Fatalf("unexpected event %s %s", evt.Type, evt.Data)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %s", extra.Type)
	default:
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(Handler(h, nil, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil || ready.Type != TypeReady {
		t.Fatalf("ready=%+v err=%v", ready, err)
	}
	if h.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", h.Subscribers())
	}
	h.Publish(NewEvent(TypeSecurityEvent, map[string]string{"type": "BLOCKED_REQUEST"}))
	var evt Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil || evt.Type != TypeSecurityEvent {
		t.Fatalf("evt=%+v err=%v", evt, err)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := OriginPatterns(" https://ops.example.com, ,https://admin.example.com ")
	if len(got) != 2 || got[1] != "https://admin.example.com" {
		t.Fatalf("unexpected patterns %v", got)
	}
	if OriginPatterns("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
