// Package secmon keeps per-client threat counters fed by security events,
// blocks brute-force sources for the rest of their window and raises
// escalations. Recording never fails and never blocks on delivery.
package secmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/lru"
)

type Config struct {
	Window              time.Duration
	BruteForceThreshold int
	SuspiciousThreshold int
	MaxKeys             int
	QueueSize           int
	SinkTimeout         time.Duration
	Rules               []Rule
}

func DefaultConfig() Config {
	return Config{
		Window:              15 * time.Minute,
		BruteForceThreshold: 5,
		SuspiciousThreshold: 10,
		MaxKeys:             lru.DefaultCapacity,
		QueueSize:           1024,
		SinkTimeout:         5 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = d.BruteForceThreshold
	}
	if c.SuspiciousThreshold <= 0 {
		c.SuspiciousThreshold = d.SuspiciousThreshold
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = d.MaxKeys
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
	return c
}

// counters is the threat state of one client key. It starts at the key's
// first event and resets once Window has passed since then. Failed logins
// younger than Window and an active block survive the reset. failures
// holds the most recent BruteForceThreshold failure times and drives the
// brute-force block, so a burst that straddles a reset still counts.
type counters struct {
	start        time.Time
	events       int
	failedAuth   int
	failures     []time.Time
	suspicious   int
	injection    int
	blocked      int
	rateLimited  int
	blockedUntil time.Time
	attackRaised bool
	rulesFired   uint64
}

// KeyStats is a read-only view of one key's counters.
type KeyStats struct {
	WindowStart  time.Time `json:"windowStart"`
	Events       int       `json:"events"`
	FailedAuth   int       `json:"failedAuth"`
	Suspicious   int       `json:"suspicious"`
	Injection    int       `json:"injection"`
	Blocked      int       `json:"blocked"`
	RateLimited  int       `json:"rateLimited"`
	BlockedUntil time.Time `json:"blockedUntil,omitempty"`
}

type Snapshot struct {
	TotalSecurityEvents  uint64            `json:"totalSecurityEvents"`
	BlockedRequests      uint64            `json:"blockedRequests"`
	ActiveFailedAttempts int               `json:"activeFailedAttempts"`
	RateLimitedIPs       int               `json:"rateLimitedIps"`
	BlockedKeys          int               `json:"blockedKeys"`
	TrackedKeys          int               `json:"trackedKeys"`
	Escalations          uint64            `json:"escalations"`
	DroppedEvents        uint64            `json:"droppedEvents"`
	EventsByType         map[string]uint64 `json:"eventsByType"`
	Timestamp            time.Time         `json:"timestamp"`
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSink adds delivery targets. Sinks only receive events while Run is
// active.
func WithSink(sinks ...Sink) Option {
	return func(m *Monitor) {
		for _, s := range sinks {
			if s != nil {
				m.sinks = append(m.sinks, s)
			}
		}
	}
}

type Monitor struct {
	cfg    Config
	rules  []compiledRule
	now    func() time.Time
	logger *slog.Logger
	sinks  []Sink
	keys   *lru.Store[counters]
	queue  chan Event

	total       atomic.Uint64
	blockedReqs atomic.Uint64
	escalations atomic.Uint64
	dropped     atomic.Uint64

	typesMu sync.Mutex
	byType  map[EventType]uint64
}

func NewMonitor(cfg Config, opts ...Option) (*Monitor, error) {
	cfg = cfg.normalized()
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:    cfg,
		rules:  rules,
		now:    time.Now,
		logger: slog.Default(),
		keys:   lru.New[counters](cfg.MaxKeys, 0),
		queue:  make(chan Event, cfg.QueueSize),
		byType: map[EventType]uint64{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Monitor) Config() Config { return m.cfg }

// Record ingests one event. It is safe for concurrent use and never panics.
func (m *Monitor) Record(e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("security monitor record panic", "panic", r, "type", string(e.Type))
		}
	}()
	now := m.now()
	e = sanitizeEvent(e, now)
	if e.Type.Escalation() {
		// escalations are raised here, not accepted from callers
		e.Type = SuspiciousActivity
	}

	var raised []Event
	var ruleErrs []error
	var blocks uint64
	m.keys.Do(e.ClientKey, func() counters { return counters{start: now} }, func(c *counters) {
		c.failures = recentFailures(c.failures, now, m.cfg.Window)
		if now.Sub(c.start) >= m.cfg.Window {
			*c = counters{
				start:        now,
				failedAuth:   len(c.failures),
				failures:     c.failures,
				blockedUntil: c.blockedUntil,
			}
		}
		c.events++
		switch e.Type {
		case FailedAuthentication:
			c.failedAuth++
			c.failures = append(c.failures, now)
			if n := len(c.failures) - m.cfg.BruteForceThreshold; n > 0 {
				c.failures = append(c.failures[:0], c.failures[n:]...)
			}
			if len(c.failures) == m.cfg.BruteForceThreshold && !now.Before(c.blockedUntil) {
				c.blockedUntil = now.Add(m.cfg.Window)
				c.blocked++
				blocks++
				raised = append(raised, Event{
					Type:      BruteForceAttack,
					At:        now,
					ClientKey: e.ClientKey,
					Detail:    fmt.Sprintf("%d failed authentication attempts within %s", len(c.failures), m.cfg.Window),
				})
			}
		case SuccessfulAuthentication:
			if !now.Before(c.blockedUntil) {
				c.failures = c.failures[:0]
				c.failedAuth = 0
			}
		case RateLimitExceeded:
			c.rateLimited++
		case BlockedRequest:
			c.blocked++
			blocks++
		}
		if e.Type.injection() || e.Type == CSRFAttempt {
			c.blocked++
			blocks++
		}
		if e.Type.injection() {
			c.injection++
		}
		if e.Type.Suspicious() {
			c.suspicious++
			if c.suspicious > m.cfg.SuspiciousThreshold && !c.attackRaised {
				c.attackRaised = true
				raised = append(raised, Event{
					Type:      PotentialAttack,
					At:        now,
					ClientKey: e.ClientKey,
					Detail:    fmt.Sprintf("%d suspicious events within %s", c.suspicious, m.cfg.Window),
				})
			}
		}
		if len(m.rules) > 0 {
			env := ruleEnv(c, e.Type)
			for i, r := range m.rules {
				bit := uint64(1) << uint(i)
				if c.rulesFired&bit != 0 {
					continue
				}
				ok, err := r.matches(env)
				if err != nil {
					ruleErrs = append(ruleErrs, fmt.Errorf("alert rule %q: %w", r.name, err))
					continue
				}
				if ok {
					c.rulesFired |= bit
					raised = append(raised, Event{
						Type:      AlertRuleMatched,
						At:        now,
						ClientKey: e.ClientKey,
						Subject:   e.Subject,
						Detail:    Sanitize("rule "+r.name+" matched on "+string(e.Type), MaxDetailRunes),
					})
				}
			}
		}
	})

	for _, err := range ruleErrs {
		m.logger.Error("alert rule failed", "err", err)
	}
	m.blockedReqs.Add(blocks)
	m.account(e)
	m.enqueue(e)
	for _, esc := range raised {
		m.escalations.Add(1)
		m.account(esc)
		m.enqueue(esc)
	}
}

// IsBlocked reports whether key is serving a brute-force block.
func (m *Monitor) IsBlocked(key string) bool {
	key = normalizeKey(key)
	now := m.now()
	blocked := false
	m.keys.Peek(key, func(c *counters) {
		blocked = now.Before(c.blockedUntil)
	})
	return blocked
}

// Stats returns the counters for key in its current window.
func (m *Monitor) Stats(key string) (KeyStats, bool) {
	key = normalizeKey(key)
	now := m.now()
	var out KeyStats
	found := m.keys.Peek(key, func(c *counters) {
		if now.Sub(c.start) >= m.cfg.Window {
			return
		}
		out = KeyStats{
			WindowStart:  c.start,
			Events:       c.events,
			FailedAuth:   c.failedAuth,
			Suspicious:   c.suspicious,
			Injection:    c.injection,
			Blocked:      c.blocked,
			RateLimited:  c.rateLimited,
			BlockedUntil: c.blockedUntil,
		}
	})
	return out, found && !out.WindowStart.IsZero()
}

func (m *Monitor) Metrics() Snapshot {
	now := m.now()
	s := Snapshot{
		TotalSecurityEvents: m.total.Load(),
		BlockedRequests:     m.blockedReqs.Load(),
		Escalations:         m.escalations.Load(),
		DroppedEvents:       m.dropped.Load(),
		Timestamp:           now.UTC(),
	}
	m.keys.Range(func(_ string, c counters) {
		s.TrackedKeys++
		if now.Before(c.blockedUntil) {
			s.BlockedKeys++
		}
		if now.Sub(c.start) >= m.cfg.Window {
			s.ActiveFailedAttempts += countRecent(c.failures, now, m.cfg.Window)
			return
		}
		s.ActiveFailedAttempts += c.failedAuth
		if c.rateLimited > 0 {
			s.RateLimitedIPs++
		}
	})
	m.typesMu.Lock()
	s.EventsByType = make(map[string]uint64, len(m.byType))
	for t, n := range m.byType {
		s.EventsByType[string(t)] = n
	}
	m.typesMu.Unlock()
	return s
}

// Sweep forgets keys whose window has ended and that hold neither a live
// failure nor a block, and returns how many it dropped.
func (m *Monitor) Sweep() int {
	now := m.now()
	return m.keys.Sweep(func(_ string, c *counters) bool {
		return now.Sub(c.start) >= m.cfg.Window &&
			!now.Before(c.blockedUntil) &&
			countRecent(c.failures, now, m.cfg.Window) == 0
	})
}

// recentFailures drops failure times older than window, reusing ts.
func recentFailures(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func countRecent(ts []time.Time, now time.Time, window time.Duration) int {
	n := 0
	for _, t := range ts {
		if now.Sub(t) < window {
			n++
		}
	}
	return n
}

func (m *Monitor) account(e Event) {
	m.total.Add(1)
	m.typesMu.Lock()
	m.byType[e.Type]++
	m.typesMu.Unlock()
}

func (m *Monitor) enqueue(e Event) {
	if len(m.sinks) == 0 {
		return
	}
	select {
	case m.queue <- e:
	default:
		m.dropped.Add(1)
	}
}

// Run delivers queued events to the sinks and sweeps expired keys every
// sweepEvery until ctx is done. Events still queued at shutdown are
// delivered before Run returns.
func (m *Monitor) Run(ctx context.Context, sweepEvery time.Duration) {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case e := <-m.queue:
			m.deliver(e)
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("swept security counters", "keys", n)
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-m.queue:
					m.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) deliver(e Event) {
	for _, s := range m.sinks {
		m.deliverOne(s, e)
	}
}

func (m *Monitor) deliverOne(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("security sink panic", "panic", r, "type", string(e.Type))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SinkTimeout)
	defer cancel()
	if err := s.Deliver(ctx, e); err != nil {
		m.logger.Error("security sink failed", "err", err, "type", string(e.Type))
	}
}
