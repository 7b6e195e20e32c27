package breaker

import "time"

type EventKind string

const (
	EventStateTransition  EventKind = "state_transition"
	EventCallNotPermitted EventKind = "call_not_permitted"
	EventError            EventKind = "error"
	EventIgnoredError     EventKind = "ignored_error"
	EventSuccess          EventKind = "success"
)

// Event is delivered to listeners after the breaker lock is released.
type Event struct {
	Breaker string
	Kind    EventKind
	From    State
	To      State
	At      time.Time
	Elapsed time.Duration
	Err     error
}

type Listener func(Event)
