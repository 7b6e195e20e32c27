package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

type recorder struct {
	mu     sync.Mutex
	events []secmon.Event
}

func (r *recorder) Record(e secmon.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []secmon.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]secmon.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestInspect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want secmon.EventType
	}{
		{in: "<script>alert(1)</script>", want: secmon.XSSAttempt},
		{in: "<SCRIPT src=//evil>", want: secmon.XSSAttempt},
		{in: "javascript:alert(1)", want: secmon.XSSAttempt},
		{in: `<img src=x onerror=alert(1)>`, want: secmon.XSSAttempt},
		{in: "<svg/onload=1>", want: secmon.XSSAttempt},
		{in: "1 UNION SELECT password FROM users", want: secmon.SQLInjectionAttempt},
		{in: "admin' OR '1'='1", want: secmon.SQLInjectionAttempt},
		{in: "x'; DROP TABLE contracts", want: secmon.SQLInjectionAttempt},
		{in: "admin'--", want: secmon.SQLInjectionAttempt},
		{in: "1 AND pg_sleep(5)", want: secmon.SQLInjectionAttempt},
		{in: "x; UPDATE users SET role='ADMIN'", want: secmon.SQLInjectionAttempt},
		{in: "1; delete from contracts where 1=1", want: secmon.SQLInjectionAttempt},
		{in: "1; INSERT INTO users VALUES (1)", want: secmon.SQLInjectionAttempt},
		{in: `<div style="width: expression(alert(1))">`, want: secmon.XSSAttempt},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := Inspect(tt.in)
			if !ok || got != tt.want {
				t.Fatalf("Inspect(%q) = %q,%v want %q", tt.in, got, ok, tt.want)
			}
		})
	}
}

func TestInspectAllowsContractLanguage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"The Tenant's obligations under Section 4 shall survive termination.",
		"Either party may select an arbitrator from the union's list.",
		"Payment is due within 30 days; late fees apply at 1.5% per month.",
		"The Licensee shall not update, delete or alter the Licensed Materials.",
		"Licensee shall not modify the expression (including layout) of the Work.",
		"Buyer may cancel the order; update notices must be in writing.",
		"Seller shall deliver the goods; insert into Schedule A the agreed quantities.",
		"Section 2: expression (of ideas) is not protected; delete from Exhibit B the old terms.",
	} {
		if got, ok := Inspect(in); ok {
			t.Fatalf("false positive %q on %q", got, in)
		}
	}
}

func TestInspectorMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		req         func() *http.Request
		wantStatus  int
		wantEvent   secmon.EventType
		wantBodySee string
	}{
		{
			name: "clean_json_passes_with_body_intact",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/contracts/analyze", strings.NewReader(`{"contractText":"Rent is due monthly."}`))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			wantStatus:  http.StatusOK,
			wantBodySee: "Rent is due monthly.",
		},
		{
			name: "xss_in_json_field",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/contracts/analyze", strings.NewReader(`{"meta":{"title":"<script>x</script>"}}`))
				r.Header.Set("Content-Type", "application/json; charset=utf-8")
				return r
			},
			wantStatus: http.StatusBadRequest,
			wantEvent:  secmon.XSSAttempt,
		},
		{
			name: "sqli_in_query",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/contracts?owner=x%27%20OR%20%271%27%3D%271", nil)
			},
			wantStatus: http.StatusBadRequest,
			wantEvent:  secmon.SQLInjectionAttempt,
		},
		{
			name: "xss_in_referer",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/api/contracts", nil)
				r.Header.Set("Referer", "javascript:alert(1)")
				return r
			},
			wantStatus: http.StatusBadRequest,
			wantEvent:  secmon.XSSAttempt,
		},
		{
			name: "non_json_body_not_inspected",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/contracts/upload", strings.NewReader("<script>"))
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			wantStatus:  http.StatusOK,
			wantBodySee: "<script>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			var seen string
			h := NewInspector(rec, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				seen = string(b)
				w.WriteHeader(http.StatusOK)
			}))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, tt.req())
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantBodySee != "" && !strings.Contains(seen, tt.wantBodySee) {
				t.Fatalf("handler saw body %q", seen)
			}
			types := rec.types()
			if tt.wantEvent == "" {
				if len(types) != 0 {
					t.Fatalf("unexpected events %v", types)
				}
				return
			}
			if len(types) != 1 || types[0] != tt.wantEvent {
				t.Fatalf("events = %v want [%s]", types, tt.wantEvent)
			}
			if strings.Contains(rr.Body.String(), "script") || strings.Contains(rr.Body.String(), "OR") {
				t.Fatalf("rejection leaked request detail: %s", rr.Body.String())
			}
		})
	}
}

func TestInspectorSkipsDocumentFields(t *testing.T) {
	in := NewInspector(nil, nil, WithDocumentFields("/api/contracts/", "content", "title"))
	tests := []struct {
		name  string
		path  string
		body  string
		found bool
	}{
		{"document_content_exempt", "/api/contracts/analyze", `{"title":"NDA <svg>","content":"<script>alert(1)</script>"}`, false},
		{"other_field_still_scanned", "/api/contracts/analyze", `{"content":"ok","contractType":"<script>x</script>"}`, true},
		{"nested_document_name_scanned", "/api/contracts/analyze", `{"meta":{"content":"<script>x</script>"}}`, true},
		{"other_route_scanned", "/api/auth/login", `{"content":"<script>x</script>"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			_, found, err := in.Scan(r)
			if err != nil || found != tt.found {
				t.Fatalf("found=%v err=%v want found=%v", found, err, tt.found)
			}
			b, _ := io.ReadAll(r.Body)
			if string(b) != tt.body {
				t.Fatalf("body not restored: %q", b)
			}
		})
	}
}

func TestCSRFMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("safe_method_issues_cookie", func(t *testing.T) {
		rr := httptest.NewRecorder()
		NewCSRF(nil, nil, true).Middleware(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/contracts", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rr.Code)
		}
		cookies := rr.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Name != CSRFCookie || cookies[0].Value == "" || cookies[0].HttpOnly || !cookies[0].Secure {
			t.Fatalf("unexpected cookies %+v", cookies)
		}
	})

	t.Run("cookieless_post_passes", func(t *testing.T) {
		rr := httptest.NewRecorder()
		NewCSRF(nil, nil, false).Middleware(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/contracts/analyze", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("matching_token_passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/contracts/analyze", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: "tok"})
		req.Header.Set(CSRFHeader, "tok")
		rr := httptest.NewRecorder()
		NewCSRF(nil, nil, false).Middleware(ok).ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	for name, header := range map[string]string{"mismatched": "other", "missing_header": ""} {
		header := header
		t.Run(name+"_rejected", func(t *testing.T) {
			rec := &recorder{}
			req := httptest.NewRequest(http.MethodDelete, "/api/contracts/1", nil)
			req.RemoteAddr = "198.51.100.7:4000"
			req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: "tok"})
			if header != "" {
				req.Header.Set(CSRFHeader, header)
			}
			rr := httptest.NewRecorder()
			NewCSRF(rec, nil, false).Middleware(ok).ServeHTTP(rr, req)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("status = %d", rr.Code)
			}
			if types := rec.types(); len(types) != 1 || types[0] != secmon.CSRFAttempt {
				t.Fatalf("events = %v", types)
			}
			if rec.events[0].ClientKey != "198.51.100.7" {
				t.Fatalf("client key = %q", rec.events[0].ClientKey)
			}
		})
	}
}
