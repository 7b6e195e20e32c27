package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/fault"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == EventStateTransition {
			out = append(out, e.From.String()+"->"+e.To.String())
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var errIO = fault.New(fault.IO, "llm.analyze", errors.New("status 503"))

func newTestBreaker(c *clock, rec *recorder) *Breaker {
	return New("llm-service", DefaultConfig(), WithClock(c.Now), WithListener(rec.listen))
}

func call(t *testing.T, b *Breaker, elapsed time.Duration, err error) {
	t.Helper()
	p, allowErr := b.Allow()
	if allowErr != nil {
		t.Fatalf("call unexpectedly rejected in state %s", b.State())
	}
	b.Record(p, elapsed, err)
}

func TestOpensAfterMinimumFailures(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 4; i++ {
		call(t, b, 10*time.Millisecond, errIO)
		if b.State() != Closed {
			t.Fatalf("opened before minimum calls (after %d)", i+1)
		}
	}
	call(t, b, 10*time.Millisecond, errIO)
	if b.State() != Open {
		t.Fatalf("expected OPEN after 5/5 failures, got %s", b.State())
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if got := rec.transitions(); len(got) != 1 || got[0] != "CLOSED->OPEN" {
		t.Fatalf("transitions = %v", got)
	}
	if rec.count(EventCallNotPermitted) != 1 {
		t.Fatalf("expected one not-permitted event, got %d", rec.count(EventCallNotPermitted))
	}
	if s := b.Snapshot(); s.NotPermitted != 1 || s.FailureRate != 100 || s.State != "OPEN" || s.OpenedAt.IsZero() {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestFailureRateThreshold(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 3; i++ {
		call(t, b, time.Millisecond, nil)
	}
	call(t, b, time.Millisecond, errIO)
	call(t, b, time.Millisecond, errIO)
	if b.State() != Closed {
		t.Fatal("40% failure rate must stay closed")
	}
	call(t, b, time.Millisecond, errIO)
	if b.State() != Open {
		t.Fatal("50% failure rate must open")
	}
}

func TestSlidingWindowForgetsOldOutcomes(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	call(t, b, time.Millisecond, errIO)
	for i := 0; i < 9; i++ {
		call(t, b, time.Millisecond, nil)
	}
	if s := b.Snapshot(); s.FailedCalls != 1 || s.BufferedCalls != 10 {
		t.Fatalf("unexpected window %+v", s)
	}
	// the oldest slot holds the failure
	call(t, b, time.Millisecond, nil)
	if s := b.Snapshot(); s.FailedCalls != 0 || s.BufferedCalls != 10 {
		t.Fatalf("unexpected window %+v", s)
	}
}

func TestHalfOpenAdmitsExactlyConfiguredProbes(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 5; i++ {
		call(t, b, time.Millisecond, errIO)
	}
	c.Advance(9 * time.Second)
	if b.State() != Open {
		t.Fatal("should still be open before the wait elapses")
	}
	c.Advance(time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}

	permits := make([]Permit, 0, 3)
	for i := 0; i < 3; i++ {
		p, err := b.Allow()
		if err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
		permits = append(permits, p)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("a 4th concurrent probe must be rejected")
	}
	for _, p := range permits {
		b.Record(p, time.Millisecond, nil)
	}
	if b.State() != Closed {
		t.Fatalf("all probes succeeded, expected CLOSED, got %s", b.State())
	}
	if s := b.Snapshot(); s.BufferedCalls != 0 || s.FailedCalls != 0 {
		t.Fatalf("window must be cleared on close: %+v", s)
	}
	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	got := rec.transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v", got)
		}
	}
}

func TestHalfOpenReopensOnProbeFailures(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 5; i++ {
		call(t, b, time.Millisecond, errIO)
	}
	c.Advance(10 * time.Second)

	call(t, b, time.Millisecond, errIO)
	if b.State() != HalfOpen {
		t.Fatal("one failed probe out of three is below the threshold")
	}
	call(t, b, time.Millisecond, errIO)
	if b.State() != Open {
		t.Fatalf("two failed probes must reopen, got %s", b.State())
	}
	// opened-at was reset, so the full wait applies again
	c.Advance(5 * time.Second)
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("expected fresh open period")
	}
	c.Advance(5 * time.Second)
	if b.State() != HalfOpen {
		t.Fatal("expected HALF_OPEN after second wait")
	}
}

func TestHalfOpenClosesWithAcceptableRate(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 5; i++ {
		call(t, b, time.Millisecond, errIO)
	}
	c.Advance(10 * time.Second)
	call(t, b, time.Millisecond, nil)
	call(t, b, time.Millisecond, errIO)
	call(t, b, time.Millisecond, nil)
	if b.State() != Closed {
		t.Fatalf("1 of 3 probes failing is acceptable, got %s", b.State())
	}
}

func TestIgnoredErrorsNeverCount(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 20; i++ {
		call(t, b, time.Millisecond, fault.Inputf("title too short"))
		call(t, b, time.Millisecond, errors.New("unclassified"))
	}
	if b.State() != Closed {
		t.Fatal("caller faults must not open the breaker")
	}
	if s := b.Snapshot(); s.BufferedCalls != 0 {
		t.Fatalf("ignored calls were buffered: %+v", s)
	}
	if rec.count(EventIgnoredError) != 40 {
		t.Fatalf("ignored events = %d", rec.count(EventIgnoredError))
	}
}

func TestIgnoredProbeReleasesSlot(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 5; i++ {
		call(t, b, time.Millisecond, errIO)
	}
	c.Advance(10 * time.Second)
	p1, _ := b.Allow()
	p2, _ := b.Allow()
	p3, _ := b.Allow()
	b.Record(p1, time.Millisecond, fault.Inputf("bad request"))
	p4, err := b.Allow()
	if err != nil {
		t.Fatal("ignored probe should free its slot")
	}
	for _, p := range []Permit{p2, p3, p4} {
		b.Record(p, time.Millisecond, nil)
	}
	if b.State() != Closed {
		t.Fatalf("expected CLOSED, got %s", b.State())
	}
}

func TestSlowCallsOpen(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	for i := 0; i < 4; i++ {
		call(t, b, 31*time.Second, nil)
	}
	call(t, b, time.Second, nil)
	if b.State() != Closed {
		t.Fatal("80% slow is below the 100% threshold")
	}
	b2 := newTestBreaker(c, &recorder{})
	for i := 0; i < 5; i++ {
		call(t, b2, 30*time.Second, nil)
	}
	if b2.State() != Open {
		t.Fatal("100% slow calls must open")
	}
	if s := b2.Snapshot(); s.SlowCallRate != 100 || s.FailureRate != 0 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestTimeoutFailuresCountAsSlow(t *testing.T) {
	cases := []struct {
		name string
		err  error
		slow int
	}{
		{"timeout", fault.New(fault.Timeout, "llm.analyze", errors.New("deadline")), 1},
		{"io", errIO, 0},
		{"success", nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBreaker(newClock(), &recorder{})
			call(t, b, time.Millisecond, tc.err)
			if s := b.Snapshot(); s.SlowCalls != tc.slow {
				t.Fatalf("slow=%d want %d", s.SlowCalls, tc.slow)
			}
		})
	}
}

func TestStalePermitIsDiscarded(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := newTestBreaker(c, rec)
	stale, _ := b.Allow()
	for i := 0; i < 5; i++ {
		call(t, b, time.Millisecond, errIO)
	}
	c.Advance(10 * time.Second)
	_ = b.State()
	b.Record(stale, time.Millisecond, errIO)
	if b.State() != HalfOpen {
		t.Fatal("an outcome admitted while closed must not affect half-open probes")
	}
}

func TestConcurrentFailuresTransitionOnce(t *testing.T) {
	c, rec := newClock(), &recorder{}
	b := New("llm-service", Config{WindowSize: 100, MinimumCalls: 10}, WithClock(c.Now), WithListener(rec.listen))
	var wg sync.WaitGroup
	for g := 0; g < 64; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := b.Allow()
			if err != nil {
				return
			}
			b.Record(p, time.Millisecond, errIO)
		}()
	}
	wg.Wait()
	if got := rec.transitions(); len(got) != 1 || got[0] != "CLOSED->OPEN" {
		t.Fatalf("transitions = %v", got)
	}
}

func TestConfigNormalization(t *testing.T) {
	cfg := Config{WindowSize: 4, MinimumCalls: 9, FailureRateThreshold: 150}.normalized()
	if cfg.MinimumCalls != 4 {
		t.Fatalf("minimum calls must not exceed window, got %d", cfg.MinimumCalls)
	}
	if cfg.FailureRateThreshold != 50 || cfg.HalfOpenProbes != 3 || cfg.WaitInOpen != 10*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if New("x", Config{}).Config() != DefaultConfig() {
		t.Fatal("zero config should normalise to defaults")
	}
}

func TestStateString(t *testing.T) {
	if Closed.String() != "CLOSED" || Open.String() != "OPEN" || HalfOpen.String() != "HALF_OPEN" || State(9).String() != "UNKNOWN" {
		t.Fatal("unexpected state names")
	}
}

func TestCustomClassifier(t *testing.T) {
	c := newClock()
	b := New("x", DefaultConfig(), WithClock(c.Now), WithClassifier(func(err error) Disposition {
		if err != nil {
			return Failure
		}
		return Success
	}))
	for i := 0; i < 5; i++ {
		call(t, b, time.Millisecond, errors.New("anything"))
	}
	if b.State() != Open {
		t.Fatal("custom classifier should record every error")
	}
}
