package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/lru"
)

// Policy describes a token bucket: Capacity tokens, refilled continuously at
// Refill tokens per Per.
type Policy struct {
	Capacity int
	Refill   float64
	Per      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Capacity: 10, Refill: 10, Per: time.Minute}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Capacity <= 0 {
		p.Capacity = d.Capacity
	}
	if p.Refill <= 0 {
		p.Refill = d.Refill
	}
	if p.Per <= 0 {
		p.Per = d.Per
	}
	return p
}

// accrued is the number of tokens refilled over elapsed.
func (p Policy) accrued(elapsed time.Duration) float64 {
	return float64(elapsed) * p.Refill / float64(p.Per)
}

// wait is how long it takes to refill deficit tokens.
func (p Policy) wait(deficit float64) time.Duration {
	return time.Duration(math.Ceil(deficit * float64(p.Per) / p.Refill))
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(key string, cost int) Decision
}

type bucket struct {
	tokens float64
	last   time.Time
}

// take refills b up to now and tries to spend cost tokens from it.
func take(b *bucket, p Policy, now time.Time, cost int) Decision {
	capacity := float64(p.Capacity)
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+p.accrued(elapsed))
		b.last = now
	}
	d := Decision{Limit: p.Capacity}
	if cost > 0 && cost <= p.Capacity && b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		d.Allowed = true
	} else if cost > 0 && cost <= p.Capacity {
		d.RetryAfter = p.wait(float64(cost) - b.tokens)
	}
	d.Remaining = int(math.Floor(b.tokens))
	return d
}

type InMemoryOption func(*InMemoryLimiter)

func WithClock(now func() time.Time) InMemoryOption {
	return func(l *InMemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxKeys bounds how many buckets are kept. Least recently used buckets
// are dropped first.
func WithMaxKeys(n int) InMemoryOption {
	return func(l *InMemoryLimiter) {
		l.maxKeys = n
	}
}

type InMemoryLimiter struct {
	policy  Policy
	maxKeys int
	now     func() time.Time
	buckets *lru.Store[bucket]
}

func NewInMemory(policy Policy, opts ...InMemoryOption) *InMemoryLimiter {
	l := &InMemoryLimiter{policy: policy.normalized(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.buckets = lru.New[bucket](l.maxKeys, lru.DefaultShards)
	return l
}

func (l *InMemoryLimiter) Policy() Policy { return l.policy }

func (l *InMemoryLimiter) Allow(key string, cost int) Decision {
	now := l.now()
	var d Decision
	l.buckets.Do(key, func() bucket {
		return bucket{tokens: float64(l.policy.Capacity), last: now}
	}, func(b *bucket) {
		d = take(b, l.policy, now, cost)
	})
	return d
}

func (l *InMemoryLimiter) TryAdmit(key string, cost int) bool {
	return l.Allow(key, cost).Allowed
}

// Sweep drops buckets that have refilled completely. A full bucket behaves
// exactly like a fresh one, so dropping it changes no decision.
func (l *InMemoryLimiter) Sweep() int {
	now := l.now()
	capacity := float64(l.policy.Capacity)
	return l.buckets.Sweep(func(_ string, b *bucket) bool {
		return b.tokens+l.policy.accrued(now.Sub(b.last)) >= capacity
	})
}

// Run sweeps every interval until ctx is done.
func (l *InMemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.policy.Per
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *InMemoryLimiter) Len() int { return l.buckets.Len() }

func (l *InMemoryLimiter) Evicted() uint64 { return l.buckets.Evicted() }
