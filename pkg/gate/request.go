// Package gate composes the access-control and resilience components into
// the inbound decision pipeline and the outbound call path.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/lru"
	"github.com/IVVI0927/AIgreement/pkg/ratelimit"
	"github.com/IVVI0927/AIgreement/pkg/rbac"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

type SecurityMonitor interface {
	Record(e secmon.Event)
	IsBlocked(key string) bool
}

type CredentialVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Observer counts gate outcomes and outbound fallbacks.
type Observer interface {
	ObserveGate(outcome string)
	ObserveFallback(dependency, kind string)
}

// Request is one inbound decision. An empty Permission admits any verified
// identity.
type Request struct {
	ClientKey  string
	Token      string
	Permission rbac.Permission
	Route      string
}

type Option func(*RequestGate)

func WithLogger(l *slog.Logger) Option {
	return func(g *RequestGate) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(g *RequestGate) { g.observer = o }
}

func WithClientIP(c *httpx.ClientIP) Option {
	return func(g *RequestGate) {
		if c != nil {
			g.clientIP = c
		}
	}
}

// WithSeenCapacity bounds the set of credentials that already produced a
// SuccessfulAuthentication event.
func WithSeenCapacity(n int) Option {
	return func(g *RequestGate) { g.seenCapacity = n }
}

type RequestGate struct {
	monitor      SecurityMonitor
	limiter      ratelimit.Limiter
	verifier     CredentialVerifier
	engine       *rbac.Engine
	clientIP     *httpx.ClientIP
	logger       *slog.Logger
	observer     Observer
	seenCapacity int
	seen         *lru.Store[struct{}]
}

func NewRequestGate(monitor SecurityMonitor, limiter ratelimit.Limiter, verifier CredentialVerifier, engine *rbac.Engine, opts ...Option) *RequestGate {
	if engine == nil {
		engine = rbac.NewEngine(nil)
	}
	g := &RequestGate{
		monitor:  monitor,
		limiter:  limiter,
		verifier: verifier,
		engine:   engine,
		clientIP: &httpx.ClientIP{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.seen = lru.New[struct{}](g.seenCapacity, 0)
	return g
}

// Check runs the full pipeline and returns the admitted identity or a
// *Rejection.
func (g *RequestGate) Check(ctx context.Context, req Request) (auth.Identity, error) {
	id, _, err := g.check(ctx, req, false)
	return id, err
}

// Admit runs only the block and rate-limit steps.
func (g *RequestGate) Admit(ctx context.Context, clientKey string) error {
	_, _, err := g.check(ctx, Request{ClientKey: clientKey}, true)
	return err
}

func (g *RequestGate) check(ctx context.Context, req Request, admissionOnly bool) (auth.Identity, ratelimit.Decision, error) {
	key := req.ClientKey
	if g.monitor != nil && g.monitor.IsBlocked(key) {
		g.record(secmon.BlockedRequest, key, "", "blocked client on "+req.Route)
		return auth.Identity{}, ratelimit.Decision{}, g.rejected(ctx, req, &Rejection{Kind: Blocked, Err: errors.New("client key is blocked")})
	}

	var dec ratelimit.Decision
	if g.limiter != nil {
		dec = g.limiter.Allow(key, 1)
		if !dec.Allowed {
			g.record(secmon.RateLimitExceeded, key, "", "rate limit exceeded on "+req.Route)
			return auth.Identity{}, dec, g.rejected(ctx, req, &Rejection{Kind: RateLimited, RetryAfter: dec.RetryAfter, Err: fmt.Errorf("retry after %s", dec.RetryAfter)})
		}
	}
	if admissionOnly {
		g.observe("admitted")
		return auth.Identity{}, dec, nil
	}

	if req.Token == "" {
		g.record(secmon.FailedAuthentication, key, "", "missing credential on "+req.Route)
		return auth.Identity{}, dec, g.rejected(ctx, req, &Rejection{Kind: Unauthorized, Err: errors.New("missing credential")})
	}
	if g.verifier == nil {
		return auth.Identity{}, dec, g.rejected(ctx, req, &Rejection{Kind: Unauthorized, Err: errors.New("no credential verifier configured")})
	}
	id, err := g.verifier.Verify(req.Token)
	if err != nil {
		g.record(secmon.FailedAuthentication, key, "", err.Error()+" on "+req.Route)
		return auth.Identity{}, dec, g.rejected(ctx, req, &Rejection{Kind: Unauthorized, Err: err})
	}

	if req.Permission != "" {
		d := g.engine.Check(id, req.Permission)
		if !d.Allowed {
			g.record(secmon.UnauthorizedAccess, key, id.Subject(), string(req.Permission)+" denied ("+d.Reason+") on "+req.Route)
			return auth.Identity{}, dec, g.rejected(ctx, req, &Rejection{Kind: Forbidden, Err: fmt.Errorf("%s: %s", req.Permission, d.Reason)})
		}
	}

	if g.firstPass(id) {
		g.record(secmon.SuccessfulAuthentication, key, id.Subject(), "credential accepted on "+req.Route)
	}
	g.observe("admitted")
	return id, dec, nil
}

// firstPass reports whether this credential is admitted for the first time.
func (g *RequestGate) firstPass(id auth.Identity) bool {
	key := id.Subject() + "|" + strconv.FormatInt(id.IssuedAt().Unix(), 10) + "|" + strconv.FormatInt(id.ExpiresAt().Unix(), 10)
	fresh := false
	g.seen.Do(key, func() struct{} {
		fresh = true
		return struct{}{}
	}, func(*struct{}) {})
	return fresh
}

// SweepSeen drops first-pass markers for credentials that have expired.
func (g *RequestGate) SweepSeen(now time.Time) int {
	return g.seen.Sweep(func(key string, _ *struct{}) bool {
		i := len(key) - 1
		for i >= 0 && key[i] != '|' {
			i--
		}
		exp, err := strconv.ParseInt(key[i+1:], 10, 64)
		return err != nil || now.Unix() >= exp
	})
}

func (g *RequestGate) rejected(ctx context.Context, req Request, rej *Rejection) *Rejection {
	attrs := []any{
		"kind", rej.Kind.String(),
		"client", req.ClientKey,
		"route", req.Route,
	}
	if id := httpx.CorrelationID(ctx); id != "" {
		attrs = append(attrs, "correlation_id", id)
	}
	if rej.RetryAfter > 0 {
		attrs = append(attrs, "retry_after", rej.RetryAfter)
	}
	if rej.Err != nil {
		attrs = append(attrs, "cause", rej.Err.Error())
	}
	g.logger.InfoContext(ctx, "request rejected", attrs...)
	switch rej.Kind {
	case Blocked:
		g.observe("blocked")
	case RateLimited:
		g.observe("rate_limited")
	case Unauthorized:
		g.observe("unauthorized")
	case Forbidden:
		g.observe("forbidden")
	}
	return rej
}

func (g *RequestGate) record(t secmon.EventType, key, subject, detail string) {
	if g.monitor == nil {
		return
	}
	g.monitor.Record(secmon.Event{Type: t, ClientKey: key, Subject: subject, Detail: detail})
}

func (g *RequestGate) observe(outcome string) {
	if g.observer != nil {
		g.observer.ObserveGate(outcome)
	}
}
