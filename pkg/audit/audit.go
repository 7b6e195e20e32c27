// Package audit keeps the durable trail of security events in Postgres.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends security events to the security_events table. With Redact
// set, client keys and subjects are stored as salted SHA-256 digests.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	ClientKey  string    `json:"clientKey"`
	Subject    string    `json:"subject,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (w *Writer) Append(ctx context.Context, e secmon.Event) error {
	if w.Redact {
		e = redactEvent(e, w.HashSalt)
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO security_events (event_type, client_key, subject, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, string(e.Type), e.ClientKey, e.Subject, e.Detail, e.At)
	if err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}

// Deliver makes the writer a secmon.Sink.
func (w *Writer) Deliver(ctx context.Context, e secmon.Event) error {
	return w.Append(ctx, e)
}

type Query struct {
	Type      secmon.EventType
	ClientKey string
	Since     time.Time
	Limit     int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Recent returns matching events, newest first. A ClientKey filter is hashed
// the same way stored keys are.
func (w *Writer) Recent(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		args = append(args, string(q.Type))
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if key := strings.TrimSpace(q.ClientKey); key != "" {
		if w.Redact {
			key = hashString(key, w.HashSalt)
		}
		args = append(args, key)
		where = append(where, fmt.Sprintf("client_key = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	args = append(args, limit)

	sql := `SELECT id, event_type, client_key, subject, detail, occurred_at, recorded_at FROM security_events`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := w.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.ClientKey, &rec.Subject, &rec.Detail, &rec.OccurredAt, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
