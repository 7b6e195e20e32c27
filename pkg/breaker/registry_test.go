package breaker

import (
	"testing"
	"time"
)

func TestRegistryGetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	if r.Get("llm-service") != r.Get("llm-service") {
		t.Fatal("expected one breaker per name")
	}
	if r.Get("llm-service") == r.Get("vector-search") {
		t.Fatal("names must be independent")
	}
}

func TestRegistryConfigureOverride(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	r.Configure("slow-dep", Config{WaitInOpen: time.Minute})
	if got := r.Get("slow-dep").Config().WaitInOpen; got != time.Minute {
		t.Fatalf("override ignored: %v", got)
	}
	if got := r.Get("other").Config().WaitInOpen; got != 10*time.Second {
		t.Fatalf("default not applied: %v", got)
	}
}

func TestRegistrySnapshotsAndAnyOpen(t *testing.T) {
	c := newClock()
	r := NewRegistry(DefaultConfig(), WithClock(c.Now))
	b := r.Get("zeta")
	r.Get("alpha")
	if r.AnyOpen() {
		t.Fatal("nothing is open yet")
	}
	for i := 0; i < 5; i++ {
		call(t, b, time.Millisecond, errIO)
	}
	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "alpha" || snaps[1].Name != "zeta" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	if !r.AnyOpen() {
		t.Fatal("zeta is open")
	}
	c.Advance(10 * time.Second)
	if r.AnyOpen() {
		t.Fatal("zeta should have moved to half-open")
	}
}
