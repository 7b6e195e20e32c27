// Package retry runs downstream calls with a per-attempt deadline and
// exponential backoff, consulting the dependency's circuit breaker before
// every attempt and reporting every outcome back to it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/IVVI0927/AIgreement/pkg/breaker"
	"github.com/IVVI0927/AIgreement/pkg/fault"
)

type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
		AttemptTimeout:  30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Backoff returns the wait before the given retry (1 for the first retry).
func (c Config) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(retry-1))
	if d > float64(c.MaxInterval) {
		return c.MaxInterval
	}
	return time.Duration(d)
}

// Observer receives one call per attempt. Outcome is one of "success",
// "failure", "timeout" or "ignored".
type Observer interface {
	ObserveAttempt(dependency, outcome string, elapsed time.Duration)
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSleep replaces the backoff wait. The function must return early with
// ctx.Err() when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

type Executor struct {
	cfg      Config
	breakers *breaker.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
}

func NewExecutor(breakers *breaker.Registry, cfg Config, opts ...Option) *Executor {
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	e := &Executor{
		cfg:      cfg.normalized(),
		breakers: breakers,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/IVVI0927/AIgreement/pkg/retry"),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Config() Config              { return e.cfg }
func (e *Executor) Breakers() *breaker.Registry { return e.breakers }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute calls fn for dependency. Attempts run one after another. Caller
// input errors and unclassified errors come back unchanged after the first
// attempt; everything else ends in a *CallError.
func Execute[T any](ctx context.Context, e *Executor, dependency string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	b := e.breakers.Get(dependency)
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := e.cfg.Backoff(attempt - 1)
			e.logger.Info("retrying downstream call",
				"dependency", dependency, "attempt", attempt, "wait", wait, "err", lastErr)
			if err := e.sleep(ctx, wait); err != nil {
				return zero, &CallError{Kind: DownstreamUnavailable, Dependency: dependency, Attempts: attempt - 1, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, &CallError{Kind: DownstreamUnavailable, Dependency: dependency, Attempts: attempt - 1, Err: err}
		}
		permit, err := b.Allow()
		if err != nil {
			return zero, &CallError{Kind: CircuitOpen, Dependency: dependency, Attempts: attempt - 1, Err: err}
		}

		v, elapsed, err := runAttempt(ctx, e, dependency, attempt, fn)
		if err != nil && ctx.Err() != nil {
			// the caller gave up; that says nothing about the dependency
			b.Record(permit, elapsed, &fault.Error{Kind: fault.Input, Op: dependency, Err: ctx.Err()})
			e.observe(dependency, "ignored", elapsed)
			return zero, &CallError{Kind: DownstreamUnavailable, Dependency: dependency, Attempts: attempt, Err: ctx.Err()}
		}
		b.Record(permit, elapsed, err)
		if err == nil {
			e.observe(dependency, "success", elapsed)
			return v, nil
		}
		if !fault.Retryable(err) {
			e.observe(dependency, "ignored", elapsed)
			return zero, err
		}
		if errors.Is(err, ErrTimeout) {
			e.observe(dependency, "timeout", elapsed)
		} else {
			e.observe(dependency, "failure", elapsed)
		}
		lastErr = err
	}
	e.logger.Error("downstream unavailable",
		"dependency", dependency, "attempts", e.cfg.MaxAttempts, "err", lastErr)
	return zero, &CallError{Kind: DownstreamUnavailable, Dependency: dependency, Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

type result[T any] struct {
	v   T
	err error
}

// runAttempt returns when fn does or when the attempt deadline passes,
// whichever is first. fn keeps its context, which is cancelled either way.
func runAttempt[T any](ctx context.Context, e *Executor, dependency string, attempt int, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	var zero T
	ctx, span := e.tracer.Start(ctx, "outbound."+dependency,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dependency", dependency),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	start := e.now()
	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%s: call panicked: %v", dependency, r)}
			}
		}()
		v, err := fn(actx)
		done <- result[T]{v: v, err: err}
	}()

	var r result[T]
	select {
	case r = <-done:
		if r.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r = result[T]{err: &CallError{Kind: Timeout, Dependency: dependency, Attempts: attempt, Err: context.DeadlineExceeded}}
		}
	case <-actx.Done():
		if ctx.Err() != nil {
			r = result[T]{err: ctx.Err()}
		} else {
			r = result[T]{err: &CallError{Kind: Timeout, Dependency: dependency, Attempts: attempt, Err: context.DeadlineExceeded}}
		}
	}
	elapsed := e.now().Sub(start)
	var ce *CallError
	if errors.As(r.err, &ce) && ce.Kind == Timeout && elapsed < e.cfg.AttemptTimeout {
		// an injected clock may not have moved; report the full attempt deadline
		elapsed = e.cfg.AttemptTimeout
	}
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, fault.KindOf(r.err).String())
		return zero, elapsed, r.err
	}
	span.SetStatus(codes.Ok, "")
	return r.v, elapsed, nil
}

func (e *Executor) observe(dependency, outcome string, elapsed time.Duration) {
	if e.observer != nil {
		e.observer.ObserveAttempt(dependency, outcome, elapsed)
	}
}
