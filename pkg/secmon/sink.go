package secmon

import (
	"context"
	"log/slog"
)

// Sink receives recorded events off the request path.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

// LogSink writes each event as a structured WARN record.
func LogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(ctx context.Context, e Event) error {
		attrs := []any{
			"type", string(e.Type),
			"client", e.ClientKey,
			"at", e.At,
		}
		if e.Subject != "" {
			attrs = append(attrs, "subject", e.Subject)
		}
		if e.Detail != "" {
			attrs = append(attrs, "detail", e.Detail)
		}
		logger.WarnContext(ctx, "security event", attrs...)
		return nil
	})
}
