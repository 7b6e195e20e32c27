package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/config"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

const contractBody = `{"title":"Supply Agreement","content":"The supplier shall deliver goods every month."}`

type fakeLLM struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	secret atomic.Value
}

func newFakeLLM(t *testing.T) *fakeLLM {
	t.Helper()
	f := &fakeLLM{}
	f.status.Store(http.StatusOK)
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.secret.Store(r.Header.Get(auth.DefaultServiceHeader))
		code := int(f.status.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"COMPLETED","summary":"ok","riskLevel":"LOW","keyClauses":[],"issues":[],"recommendations":[]}`))
	}))
	t.Cleanup(f.Close)
	return f
}

type testGateway struct {
	srv     *Server
	handler http.Handler
	llm     *fakeLLM
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	llm := newFakeLLM(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.LLM.BaseURL = llm.URL
	cfg.Retry.MaxAttempts = 1
	cfg.RateLimit.Capacity = 1000
	cfg.RateLimit.Refill = 1000
	if mutate != nil {
		mutate(cfg)
	}
	s, err := newServer(context.Background(), cfg, nil, resources{HTTPClient: llm.Client()})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.startLoops(ctx)
	return &testGateway{srv: s, handler: s.routes(), llm: llm}
}

func (g *testGateway) token(t *testing.T, subject string, roles ...auth.Role) string {
	t.Helper()
	tok, _, err := g.srv.Signer.Issue(subject, roles)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (g *testGateway) do(method, path, token, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzCarriesSecurityHeaders(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := g.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "X-XSS-Protection", "Content-Security-Policy", "X-Correlation-ID"} {
		if rec.Header().Get(h) == "" {
			t.Fatalf("missing header %s", h)
		}
	}
}

func TestRouteGating(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		roles  []auth.Role
		body   string
		status int
	}{
		{"anonymous contracts", http.MethodGet, "/api/contracts", nil, "", http.StatusUnauthorized},
		{"viewer lists contracts", http.MethodGet, "/api/contracts", []auth.Role{auth.RoleViewer}, "", http.StatusOK},
		{"viewer cannot analyze", http.MethodPost, "/api/contracts/analyze", []auth.Role{auth.RoleViewer}, contractBody, http.StatusForbidden},
		{"reviewer analyzes", http.MethodPost, "/api/contracts/analyze", []auth.Role{auth.RoleReviewer}, contractBody, http.StatusOK},
		{"reviewer cannot read security", http.MethodGet, "/api/security/metrics", []auth.Role{auth.RoleReviewer}, "", http.StatusForbidden},
		{"admin reads security", http.MethodGet, "/api/security/metrics", []auth.Role{auth.RoleAdmin}, "", http.StatusOK},
		{"viewer cannot read breakers", http.MethodGet, "/api/breakers", []auth.Role{auth.RoleViewer}, "", http.StatusForbidden},
		{"reviewer reads breakers", http.MethodGet, "/api/breakers", []auth.Role{auth.RoleReviewer}, "", http.StatusOK},
		{"admin reads prometheus", http.MethodGet, "/metrics/prometheus", []auth.Role{auth.RoleAdmin}, "", http.StatusOK},
		{"audit without database", http.MethodGet, "/api/security/events", []auth.Role{auth.RoleAdmin}, "", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t, nil)
			tok := ""
			if tc.roles != nil {
				tok = g.token(t, "alice", tc.roles...)
			}
			rec := g.do(tc.method, tc.path, tok, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

func TestUnauthorizedCarriesChallenge(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := g.do(http.MethodGet, "/api/auth/me", "not-a-token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer") {
		t.Fatalf("missing challenge: %v", rec.Header())
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "authentication required" || body["correlationId"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestMeListsPermissions(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := g.do(http.MethodGet, "/api/auth/me", g.token(t, "vera", auth.RoleViewer), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Subject     string   `json:"subject"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Subject != "vera" || len(body.Permissions) != 3 {
		t.Fatalf("unexpected %+v", body)
	}
}

func TestAnalyzeSendsServiceSecret(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := g.do(http.MethodPost, "/api/contracts/extract-clauses", g.token(t, "rita", auth.RoleReviewer), contractBody)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"COMPLETED"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got, _ := g.llm.secret.Load().(string); got != config.DefaultServiceSecret {
		t.Fatalf("service secret %q", got)
	}
}

func TestDownstreamOutageFallsBackAndTripsReadiness(t *testing.T) {
	g := newTestGateway(t, nil)
	g.llm.status.Store(http.StatusInternalServerError)
	tok := g.token(t, "rita", auth.RoleReviewer)

	for i := 1; i <= 6; i++ {
		rec := g.do(http.MethodPost, "/api/contracts/analyze", tok, contractBody)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"FALLBACK"`) {
			t.Fatalf("call %d: status=%d body=%s", i, rec.Code, rec.Body.String())
		}
	}
	if hits := g.llm.hits.Load(); hits != 5 {
		t.Fatalf("breaker should short-circuit the 6th call, downstream saw %d", hits)
	}

	rec := g.do(http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"state":"OPEN"`) {
		t.Fatalf("readyz status=%d body=%s", rec.Code, rec.Body.String())
	}

	snap := g.srv.Metrics.Snapshot()
	if snap.Fallbacks["llm-service|CircuitOpen"] != 1 {
		t.Fatalf("fallbacks %v", snap.Fallbacks)
	}
	if snap.BreakerStates["llm-service"] != "OPEN" {
		t.Fatalf("breaker states %v", snap.BreakerStates)
	}
}

func TestReadyWhenBreakersClosed(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := g.do(http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"llm-service"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestLogin(t *testing.T) {
	hash, err := auth.HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	g := newTestGateway(t, func(c *config.Config) {
		c.Auth.AdminUser = "root"
		c.Auth.AdminPasswordHash = hash
	})

	rec := g.do(http.MethodPost, "/api/auth/login", "", `{"username":"ROOT","password":"correct horse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.TokenType != "Bearer" || out.Token == "" || len(out.Roles) != 1 || out.Roles[0] != "ADMIN" {
		t.Fatalf("unexpected login response %+v", out)
	}
	me := g.do(http.MethodGet, "/api/security/metrics", out.Token, "")
	if me.Code != http.StatusOK {
		t.Fatalf("issued token rejected: %d", me.Code)
	}

	bad := g.do(http.MethodPost, "/api/auth/login", "", `{"username":"root","password":"nope"}`)
	unknown := g.do(http.MethodPost, "/api/auth/login", "", `{"username":"ghost","password":"nope"}`)
	if bad.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("bad=%d unknown=%d", bad.Code, unknown.Code)
	}
	if bad.Body.String() == "" || !strings.Contains(unknown.Body.String(), "invalid credentials") {
		t.Fatalf("bodies %s / %s", bad.Body.String(), unknown.Body.String())
	}
	if n := g.srv.Monitor.Metrics().EventsByType[string(secmon.FailedAuthentication)]; n != 2 {
		t.Fatalf("failed authentications %d", n)
	}
}

func TestRegister(t *testing.T) {
	g := newTestGateway(t, nil)

	rec := g.do(http.MethodPost, "/api/auth/register", "", `{"username":" Dana ","password":"Str0ng!pass"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Username != "Dana" || out.Token == "" || len(out.Roles) != 1 || out.Roles[0] != "VIEWER" {
		t.Fatalf("unexpected register response %+v", out)
	}
	if me := g.do(http.MethodGet, "/api/auth/me", out.Token, ""); me.Code != http.StatusOK || !strings.Contains(me.Body.String(), `"VIEWER"`) {
		t.Fatalf("me status=%d body=%s", me.Code, me.Body.String())
	}
	if login := g.do(http.MethodPost, "/api/auth/login", "", `{"username":"dana","password":"Str0ng!pass"}`); login.Code != http.StatusOK {
		t.Fatalf("login with new account: %d", login.Code)
	}

	cases := []struct {
		name string
		body string
		msg  string
	}{
		{"duplicate_any_case", `{"username":"DANA","password":"An0ther!pass"}`, "registration failed"},
		{"weak_password", `{"username":"erin","password":"password"}`, "at least 8 characters"},
		{"missing_password", `{"username":"erin"}`, "required"},
		{"malformed", `{"username":`, "invalid json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := g.do(http.MethodPost, "/api/auth/register", "", tc.body)
			if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), tc.msg) {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestLoginBruteForceBlocksClient(t *testing.T) {
	g := newTestGateway(t, nil)
	for i := 0; i < 5; i++ {
		rec := g.do(http.MethodPost, "/api/auth/login", "", `{"username":"ghost","password":"guess"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status=%d", i+1, rec.Code)
		}
	}
	rec := g.do(http.MethodPost, "/api/auth/login", "", `{"username":"ghost","password":"guess"}`)
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "access temporarily blocked") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	// A valid credential does not help a blocked client.
	rec = g.do(http.MethodGet, "/api/contracts", g.token(t, "alice", auth.RoleAdmin), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked client admitted: %d", rec.Code)
	}
	if snap := g.srv.Monitor.Metrics(); snap.BlockedKeys != 1 || snap.EventsByType[string(secmon.BruteForceAttack)] != 1 {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) {
		c.RateLimit.Capacity = 2
		c.RateLimit.Refill = 2
		c.RateLimit.Per = time.Minute
	})
	tok := g.token(t, "alice", auth.RoleViewer)
	for i := 0; i < 2; i++ {
		if rec := g.do(http.MethodGet, "/api/contracts", tok, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}
	rec := g.do(http.MethodGet, "/api/contracts", tok, "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status=%d headers=%v", rec.Code, rec.Header())
	}
}

func TestShieldRejectsInjection(t *testing.T) {
	g := newTestGateway(t, nil)
	tok := g.token(t, "alice", auth.RoleViewer)
	rec := g.do(http.MethodGet, "/api/contracts?q=%3Cscript%3Ealert(1)%3C/script%3E", tok, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if n := g.srv.Monitor.Metrics().EventsByType[string(secmon.XSSAttempt)]; n != 1 {
		t.Fatalf("xss events %d", n)
	}
}

func TestShieldAllowsContractText(t *testing.T) {
	g := newTestGateway(t, nil)
	tok := g.token(t, "rita", auth.RoleReviewer)
	for _, text := range []string{
		"Licensee shall not modify the expression (including layout) of the Work.",
		"Buyer may cancel the order; update notices must be in writing.",
	} {
		body := `{"title":"License","content":"` + text + `"}`
		if rec := g.do(http.MethodPost, "/api/contracts/analyze", tok, body); rec.Code != http.StatusOK {
			t.Fatalf("%q: status=%d body=%s", text, rec.Code, rec.Body.String())
		}
	}
	snap := g.srv.Monitor.Metrics()
	if snap.BlockedRequests != 0 || snap.EventsByType[string(secmon.XSSAttempt)] != 0 || snap.EventsByType[string(secmon.SQLInjectionAttempt)] != 0 {
		t.Fatalf("contract text raised security events: %+v", snap)
	}
}

func TestCSRFRequiresMatchingHeader(t *testing.T) {
	g := newTestGateway(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"a","password":"b"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "XSRF-TOKEN", Value: "abc"})
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
	if n := g.srv.Monitor.Metrics().EventsByType[string(secmon.CSRFAttempt)]; n != 1 {
		t.Fatalf("csrf events %d", n)
	}
}

func TestUploadListAndGet(t *testing.T) {
	g := newTestGateway(t, nil)
	tok := g.token(t, "alice", auth.RoleReviewer)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "nda.txt")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("Both parties keep the terms of this agreement confidential."))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/contracts/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status=%d body=%s", rec.Code, rec.Body.String())
	}
	var up struct {
		ContractID string `json:"contractId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil || up.ContractID == "" {
		t.Fatalf("upload body %s", rec.Body.String())
	}

	list := g.do(http.MethodGet, "/api/contracts", tok, "")
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), up.ContractID) {
		t.Fatalf("list status=%d body=%s", list.Code, list.Body.String())
	}
	get := g.do(http.MethodGet, "/api/contracts/"+up.ContractID, tok, "")
	if get.Code != http.StatusOK {
		t.Fatalf("get status=%d", get.Code)
	}
	other := g.do(http.MethodGet, "/api/contracts/"+up.ContractID, g.token(t, "mallory", auth.RoleReviewer), "")
	if other.Code != http.StatusNotFound {
		t.Fatalf("foreign owner status=%d", other.Code)
	}

	snap := g.srv.Metrics.Snapshot()
	if _, ok := snap.Endpoints["GET /api/contracts/{id}"]; !ok {
		t.Fatalf("metrics should label by route pattern: %v", snap.Endpoints)
	}
}
