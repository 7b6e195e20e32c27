// Package breaker tracks the health of downstream dependencies with a
// three-state circuit breaker over a count-based sliding window.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/fault"
)

type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow when a call is not permitted.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	WindowSize            int
	MinimumCalls          int
	FailureRateThreshold  float64
	SlowCallRateThreshold float64
	SlowCallDuration      time.Duration
	WaitInOpen            time.Duration
	HalfOpenProbes        int
}

func DefaultConfig() Config {
	return Config{
		WindowSize:            10,
		MinimumCalls:          5,
		FailureRateThreshold:  50,
		SlowCallRateThreshold: 100,
		SlowCallDuration:      30 * time.Second,
		WaitInOpen:            10 * time.Second,
		HalfOpenProbes:        3,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = d.MinimumCalls
	}
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 100 {
		c.SlowCallRateThreshold = d.SlowCallRateThreshold
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = d.SlowCallDuration
	}
	if c.WaitInOpen <= 0 {
		c.WaitInOpen = d.WaitInOpen
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Disposition says how an outcome counts toward the window.
type Disposition int

const (
	Success Disposition = iota
	Failure
	Ignored
)

// DefaultClassifier records I/O, timeout and connection failures and ignores
// everything else, caller input errors in particular.
func DefaultClassifier(err error) Disposition {
	if err == nil {
		return Success
	}
	if fault.Recorded(err) {
		return Failure
	}
	return Ignored
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithListener(l Listener) Option {
	return func(b *Breaker) {
		if l != nil {
			b.listeners = append(b.listeners, l)
		}
	}
}

func WithClassifier(c func(error) Disposition) Option {
	return func(b *Breaker) {
		if c != nil {
			b.classify = c
		}
	}
}

// Permit is issued by Allow and must be handed back to Record.
type Permit struct {
	generation uint64
}

type Breaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	classify  func(error) Disposition
	listeners []Listener

	mu             sync.Mutex
	state          State
	generation     uint64
	window         *window
	openedAt       time.Time
	probesIssued   int
	probesDone     int
	probeFailures  int
	probeSlow      int
	notPermitted   uint64
	totalFailures  uint64
	totalSuccesses uint64
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		classify: DefaultClassifier,
		window:   newWindow(cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) Config() Config { return b.cfg }

// Allow asks to make one call. It fails with ErrOpen while the breaker is
// open or every half-open probe slot is taken.
func (b *Breaker) Allow() (Permit, error) {
	var events []Event
	b.mu.Lock()
	now := b.now()
	events = b.maybeHalfOpenLocked(now, events)
	var (
		permit Permit
		err    error
	)
	switch b.state {
	case Closed:
		permit = Permit{generation: b.generation}
	case HalfOpen:
		if b.probesIssued < b.cfg.HalfOpenProbes {
			b.probesIssued++
			permit = Permit{generation: b.generation}
		} else {
			err = ErrOpen
		}
	default:
		err = ErrOpen
	}
	if err != nil {
		b.notPermitted++
		events = append(events, Event{Breaker: b.name, Kind: EventCallNotPermitted, From: b.state, To: b.state, At: now})
	}
	b.mu.Unlock()
	b.emit(events)
	return permit, err
}

// Record feeds the outcome of a permitted call back into the breaker.
// Outcomes from before the last state change are discarded. A failure
// classified as a timeout counts as slow whatever elapsed says.
func (b *Breaker) Record(p Permit, elapsed time.Duration, callErr error) {
	disposition := b.classify(callErr)
	slow := elapsed >= b.cfg.SlowCallDuration ||
		(disposition == Failure && fault.KindOf(callErr) == fault.Timeout)

	var events []Event
	b.mu.Lock()
	now := b.now()
	if p.generation != b.generation {
		b.mu.Unlock()
		return
	}
	switch disposition {
	case Ignored:
		if b.state == HalfOpen && b.probesIssued > 0 {
			b.probesIssued--
		}
		events = append(events, Event{Breaker: b.name, Kind: EventIgnoredError, From: b.state, To: b.state, At: now, Elapsed: elapsed, Err: callErr})
	case Failure, Success:
		var o outcome
		kind := EventSuccess
		if disposition == Failure {
			o |= outcomeFailed
			kind = EventError
			b.totalFailures++
		} else {
			b.totalSuccesses++
		}
		if slow {
			o |= outcomeSlow
		}
		events = append(events, Event{Breaker: b.name, Kind: kind, From: b.state, To: b.state, At: now, Elapsed: elapsed, Err: callErr})
		switch b.state {
		case Closed:
			b.window.add(o)
			if b.window.size >= b.cfg.MinimumCalls {
				failRate, slowRate := b.window.rates()
				if failRate >= b.cfg.FailureRateThreshold || slowRate >= b.cfg.SlowCallRateThreshold {
					events = b.transitionLocked(Open, now, events)
				}
			}
		case HalfOpen:
			b.probesDone++
			if o&outcomeFailed != 0 {
				b.probeFailures++
			}
			if o&outcomeSlow != 0 {
				b.probeSlow++
			}
			probes := b.cfg.HalfOpenProbes
			if percent(b.probeFailures, probes) >= b.cfg.FailureRateThreshold ||
				percent(b.probeSlow, probes) >= b.cfg.SlowCallRateThreshold {
				events = b.transitionLocked(Open, now, events)
			} else if b.probesDone >= probes {
				events = b.transitionLocked(Closed, now, events)
			}
		}
	}
	b.mu.Unlock()
	b.emit(events)
}

// State reports the current state, moving Open to HalfOpen once the wait
// has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	events := b.maybeHalfOpenLocked(b.now(), nil)
	s := b.state
	b.mu.Unlock()
	b.emit(events)
	return s
}

type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	FailureRate    float64   `json:"failureRate"`
	SlowCallRate   float64   `json:"slowCallRate"`
	BufferedCalls  int       `json:"bufferedCalls"`
	FailedCalls    int       `json:"failedCalls"`
	SlowCalls      int       `json:"slowCalls"`
	NotPermitted   uint64    `json:"notPermittedCalls"`
	TotalFailures  uint64    `json:"totalFailures"`
	TotalSuccesses uint64    `json:"totalSuccesses"`
	OpenedAt       time.Time `json:"openedAt,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	events := b.maybeHalfOpenLocked(b.now(), nil)
	failRate, slowRate := b.window.rates()
	s := Snapshot{
		Name:           b.name,
		State:          b.state.String(),
		FailureRate:    failRate,
		SlowCallRate:   slowRate,
		BufferedCalls:  b.window.size,
		FailedCalls:    b.window.failures,
		SlowCalls:      b.window.slow,
		NotPermitted:   b.notPermitted,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
	}
	if b.state != Closed {
		s.OpenedAt = b.openedAt
	}
	b.mu.Unlock()
	b.emit(events)
	return s
}

func (b *Breaker) maybeHalfOpenLocked(now time.Time, events []Event) []Event {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.WaitInOpen {
		return b.transitionLocked(HalfOpen, now, events)
	}
	return events
}

func (b *Breaker) transitionLocked(to State, now time.Time, events []Event) []Event {
	from := b.state
	if from == to {
		return events
	}
	b.state = to
	b.generation++
	b.probesIssued, b.probesDone, b.probeFailures, b.probeSlow = 0, 0, 0, 0
	switch to {
	case Open:
		b.openedAt = now
	case Closed:
		b.window.reset()
	}
	return append(events, Event{Breaker: b.name, Kind: EventStateTransition, From: from, To: to, At: now})
}

func (b *Breaker) emit(events []Event) {
	for _, e := range events {
		for _, l := range b.listeners {
			l(e)
		}
	}
}
