// Package alertbus publishes security escalations and breaker openings to
// Kafka for downstream paging and SIEM ingestion.
package alertbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/breaker"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

const (
	KindSecurityEscalation = "security_escalation"
	KindBreakerOpen        = "breaker_open"
)

type Alert struct {
	Kind       string    `json:"kind"`
	Type       string    `json:"type,omitempty"`
	ClientKey  string    `json:"clientKey,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Dependency string    `json:"dependency,omitempty"`
	From       string    `json:"from,omitempty"`
	At         time.Time `json:"at"`
}

// Key partitions alerts so that one client's or one dependency's alerts
// stay ordered.
func (a Alert) Key() string {
	if a.Dependency != "" {
		return a.Dependency
	}
	return a.ClientKey
}

type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// SecuritySink forwards escalations (brute force, potential attack, rule
// matches) and drops every other event type.
func SecuritySink(p Publisher) secmon.Sink {
	return secmon.SinkFunc(func(ctx context.Context, e secmon.Event) error {
		if !e.Type.Escalation() {
			return nil
		}
		return p.Publish(ctx, Alert{
			Kind:      KindSecurityEscalation,
			Type:      string(e.Type),
			ClientKey: e.ClientKey,
			Subject:   e.Subject,
			Detail:    e.Detail,
			At:        e.At,
		})
	})
}

// BreakerListener publishes a transition into OPEN. Publishing runs off the
// caller's goroutine and is bounded by timeout.
func BreakerListener(p Publisher, timeout time.Duration, logger *slog.Logger) breaker.Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(e breaker.Event) {
		if e.Kind != breaker.EventStateTransition || e.To != breaker.Open {
			return
		}
		a := Alert{Kind: KindBreakerOpen, Dependency: e.Breaker, From: e.From.String(), At: e.At}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := p.Publish(ctx, a); err != nil {
				logger.Error("breaker alert not published", "dependency", a.Dependency, "err", err)
			}
		}()
	}
}
