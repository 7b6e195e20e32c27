package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/breaker"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	gate              map[string]int64
	fallback          map[string]int64
	attempt           map[string]int64
	breakerTransition map[string]int64
	breakerState      map[string]string
	securityEvent     map[string]int64
	gauges            map[string]float64
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	GateOutcomes       map[string]int64        `json:"gate_outcomes"`
	Fallbacks          map[string]int64        `json:"fallbacks"`
	Attempts           map[string]int64        `json:"outbound_attempts"`
	BreakerTransitions map[string]int64        `json:"breaker_transitions"`
	BreakerStates      map[string]string       `json:"breaker_states"`
	SecurityEvents     map[string]int64        `json:"security_events"`
	Gauges             map[string]float64      `json:"gauges"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:          map[string]*EndpointStat{},
		gate:              map[string]int64{},
		fallback:          map[string]int64{},
		attempt:           map[string]int64{},
		breakerTransition: map[string]int64{},
		breakerState:      map[string]string{},
		securityEvent:     map[string]int64{},
		gauges:            map[string]float64{},
		Histograms:        NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveGate counts one request gate decision.
func (r *Registry) ObserveGate(outcome string) {
	r.inc(r.gate, strings.TrimSpace(outcome))
}

// ObserveFallback counts an outbound call answered by its fallback.
func (r *Registry) ObserveFallback(dependency, kind string) {
	if dependency == "" {
		return
	}
	if kind == "" {
		kind = "UNKNOWN"
	}
	r.inc(r.fallback, dependency+"|"+kind)
}

// ObserveAttempt counts one outbound attempt and feeds its latency into the
// dependency histogram.
func (r *Registry) ObserveAttempt(dependency, outcome string, elapsed time.Duration) {
	if dependency == "" || outcome == "" {
		return
	}
	r.inc(r.attempt, dependency+"|"+outcome)
	r.Histograms.ObserveDuration("outbound "+dependency, elapsed)
}

func (r *Registry) IncSecurityEvent(eventType string) {
	r.inc(r.securityEvent, strings.TrimSpace(strings.ToUpper(eventType)))
}

// BreakerListener tracks state transitions and the current state of every
// breaker it is attached to.
func (r *Registry) BreakerListener() breaker.Listener {
	return func(e breaker.Event) {
		if e.Kind != breaker.EventStateTransition {
			return
		}
		r.mu.Lock()
		r.breakerTransition[e.Breaker+"|"+e.From.String()+"|"+e.To.String()]++
		r.breakerState[e.Breaker] = e.To.String()
		r.mu.Unlock()
	}
}

// SecuritySink counts every event the security monitor publishes.
func (r *Registry) SecuritySink() secmon.Sink {
	return secmon.SinkFunc(func(_ context.Context, e secmon.Event) error {
		r.IncSecurityEvent(string(e.Type))
		return nil
	})
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) inc(m map[string]int64, key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		GateOutcomes:       copyCounts(r.gate),
		Fallbacks:          copyCounts(r.fallback),
		Attempts:           copyCounts(r.attempt),
		BreakerTransitions: copyCounts(r.breakerTransition),
		BreakerStates:      make(map[string]string, len(r.breakerState)),
		SecurityEvents:     copyCounts(r.securityEvent),
		Gauges:             make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.breakerState {
		out.BreakerStates[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP aigreement_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE aigreement_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "aigreement_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP aigreement_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE aigreement_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "aigreement_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP aigreement_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE aigreement_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "aigreement_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP aigreement_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE aigreement_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "aigreement_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP aigreement_gate_total request gate decisions by outcome\n")
		b.WriteString("# TYPE aigreement_gate_total counter\n")
		for _, outcome := range SortedKeys(snap.GateOutcomes) {
			fmt.Fprintf(b, "aigreement_gate_total{outcome=%q} %d\n", outcome, snap.GateOutcomes[outcome])
		}
		b.WriteString("# HELP aigreement_fallback_total outbound calls answered by a fallback\n")
		b.WriteString("# TYPE aigreement_fallback_total counter\n")
		for _, key := range SortedKeys(snap.Fallbacks) {
			dep, kind := splitPair(key)
			fmt.Fprintf(b, "aigreement_fallback_total{dependency=%q,kind=%q} %d\n", dep, kind, snap.Fallbacks[key])
		}
		b.WriteString("# HELP aigreement_outbound_attempts_total outbound attempts by outcome\n")
		b.WriteString("# TYPE aigreement_outbound_attempts_total counter\n")
		for _, key := range SortedKeys(snap.Attempts) {
			dep, outcome := splitPair(key)
			fmt.Fprintf(b, "aigreement_outbound_attempts_total{dependency=%q,outcome=%q} %d\n", dep, outcome, snap.Attempts[key])
		}
		b.WriteString("# HELP aigreement_breaker_transitions_total circuit breaker state transitions\n")
		b.WriteString("# TYPE aigreement_breaker_transitions_total counter\n")
		for _, key := range SortedKeys(snap.BreakerTransitions) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			fmt.Fprintf(b, "aigreement_breaker_transitions_total{dependency=%q,from=%q,to=%q} %d\n", parts[0], parts[1], parts[2], snap.BreakerTransitions[key])
		}
		b.WriteString("# HELP aigreement_breaker_state current circuit breaker state, 1 for the active state\n")
		b.WriteString("# TYPE aigreement_breaker_state gauge\n")
		for _, name := range SortedKeys(snap.BreakerStates) {
			current := snap.BreakerStates[name]
			for _, state := range []breaker.State{breaker.Closed, breaker.Open, breaker.HalfOpen} {
				v := 0
				if state.String() == current {
					v = 1
				}
				fmt.Fprintf(b, "aigreement_breaker_state{dependency=%q,state=%q} %d\n", name, state.String(), v)
			}
		}
		b.WriteString("# HELP aigreement_security_events_total security events by type\n")
		b.WriteString("# TYPE aigreement_security_events_total counter\n")
		for _, typ := range SortedKeys(snap.SecurityEvents) {
			fmt.Fprintf(b, "aigreement_security_events_total{type=%q} %d\n", typ, snap.SecurityEvents[typ])
		}
		b.WriteString("# HELP aigreement_gauge operational gauge metrics\n")
		b.WriteString("# TYPE aigreement_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "aigreement_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP aigreement_latency_seconds latency histogram\n")
			b.WriteString("# TYPE aigreement_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "aigreement_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "aigreement_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "aigreement_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "aigreement_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "aigreement_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func splitPair(key string) (string, string) {
	left, right, ok := strings.Cut(key, "|")
	if !ok {
		return key, "UNKNOWN"
	}
	return left, right
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
