package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

type fakeAuditDB struct {
	execErr   error
	queryErr  error
	rows      [][]any
	execArgs  []any
	querySQL  string
	queryArgs []any
}

func (f *fakeAuditDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL = sql
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{values: f.rows, idx: -1}, nil
}

type fakeRows struct {
	pgx.Rows
	values [][]any
	idx    int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.values)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.values[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int64:
			*d = row[i].(int64)
		case *string:
			*d = row[i].(string)
		case *time.Time:
			*d = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func TestWriterAppend(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	at := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	err := w.Deliver(context.Background(), secmon.Event{Type: secmon.FailedAuthentication, At: at, ClientKey: "203.0.113.7", Detail: "expired credential"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 5 || db.execArgs[0] != "FAILED_AUTHENTICATION" || db.execArgs[1] != "203.0.113.7" || db.execArgs[4] != at {
		t.Fatalf("unexpected exec args %v", db.execArgs)
	}

	db.execErr = errors.New("connection reset")
	if err := w.Append(context.Background(), secmon.Event{Type: secmon.BlockedRequest}); err == nil || !strings.Contains(err.Error(), "append security event") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestWriterRedaction(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt-1"), Redact: true}
	e := secmon.Event{
		Type:      secmon.UnauthorizedAccess,
		At:        time.Now().UTC(),
		ClientKey: "198.51.100.4",
		Subject:   "alice",
		Detail:    "contract:delete denied for alice from 198.51.100.4",
	}
	if err := w.Append(context.Background(), e); err != nil {
		t.Fatalf("append: %v", err)
	}
	key, subject, detail := db.execArgs[1].(string), db.execArgs[2].(string), db.execArgs[3].(string)
	if key != hashString("198.51.100.4", []byte("salt-1")) || len(subject) != 64 {
		t.Fatalf("expected hashed key and subject, got %q %q", key, subject)
	}
	if strings.Contains(detail, "alice") || strings.Contains(detail, "198.51.100.4") || !strings.Contains(detail, "contract:delete denied") {
		t.Fatalf("detail not redacted: %q", detail)
	}
	if hashString("x", []byte("a")) == hashString("x", []byte("b")) {
		t.Fatal("salt must change the digest")
	}
}

func TestWriterRecent(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{rows: [][]any{
		{int64(2), "XSS_ATTEMPT", "k", "", "payload in query", now, now},
		{int64(1), "XSS_ATTEMPT", "k", "", "payload in body", now.Add(-time.Minute), now},
	}}
	w := &Writer{DB: db, HashSalt: []byte("s"), Redact: true}
	recs, err := w.Recent(context.Background(), Query{Type: secmon.XSSAttempt, ClientKey: "10.0.0.1", Since: now.Add(-time.Hour), Limit: 5000})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != 2 || recs[1].Detail != "payload in body" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if !strings.Contains(db.querySQL, "event_type = $1 AND client_key = $2 AND occurred_at >= $3") || !strings.HasSuffix(db.querySQL, "LIMIT $4") {
		t.Fatalf("unexpected sql %s", db.querySQL)
	}
	if db.queryArgs[1] != hashString("10.0.0.1", []byte("s")) || db.queryArgs[3] != maxQueryLimit {
		t.Fatalf("unexpected args %v", db.queryArgs)
	}

	if _, err := w.Recent(context.Background(), Query{}); err != nil {
		t.Fatalf("unfiltered: %v", err)
	}
	if strings.Contains(db.querySQL, "WHERE") || db.queryArgs[0] != defaultQueryLimit {
		t.Fatalf("unexpected unfiltered query %s %v", db.querySQL, db.queryArgs)
	}

	db.queryErr = errors.New("down")
	if _, err := w.Recent(context.Background(), Query{}); err == nil {
		t.Fatal("expected query error")
	}
}
