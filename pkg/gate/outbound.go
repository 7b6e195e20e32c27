package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/retry"
)

// OutboundGate is the only path from handlers to downstream services.
type OutboundGate struct {
	exec     *retry.Executor
	logger   *slog.Logger
	observer Observer
}

func NewOutboundGate(exec *retry.Executor, logger *slog.Logger, observer Observer) *OutboundGate {
	if exec == nil {
		exec = retry.NewExecutor(nil, retry.DefaultConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboundGate{exec: exec, logger: logger, observer: observer}
}

func (g *OutboundGate) Executor() *retry.Executor { return g.exec }

// Fallback builds a substitute result from the CallError that ended the call.
type Fallback[T any] func(ctx context.Context, cause *retry.CallError) (T, error)

// Call runs fn through the retry executor. When it ends in a *retry.CallError
// the fallback supplies the result and fellBack is true. Any other error,
// caller input in particular, is returned unchanged. A failing fallback
// surfaces as an error wrapping both causes.
func Call[T any](ctx context.Context, g *OutboundGate, dependency string, fn func(context.Context) (T, error), fallback Fallback[T]) (v T, fellBack bool, err error) {
	v, err = retry.Execute(ctx, g.exec, dependency, fn)
	if err == nil {
		return v, false, nil
	}
	var ce *retry.CallError
	if !errors.As(err, &ce) {
		return v, false, err
	}
	var zero T
	if fallback == nil {
		return zero, false, err
	}
	fv, ferr := fallback(ctx, ce)
	if ferr != nil {
		g.logger.ErrorContext(ctx, "fallback failed",
			"dependency", dependency, "kind", ce.Kind.String(), "err", ferr,
			"correlation_id", httpx.CorrelationID(ctx))
		return zero, true, fmt.Errorf("%s fallback: %w", dependency, errors.Join(ferr, err))
	}
	g.logger.WarnContext(ctx, "downstream call recovered with fallback",
		"dependency", dependency, "kind", ce.Kind.String(), "attempts", ce.Attempts, "err", ce.Err,
		"correlation_id", httpx.CorrelationID(ctx))
	if g.observer != nil {
		g.observer.ObserveFallback(dependency, ce.Kind.String())
	}
	return fv, true, nil
}
