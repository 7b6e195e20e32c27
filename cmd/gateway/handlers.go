package main

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/IVVI0927/AIgreement/pkg/audit"
	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/gate"
	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
	"github.com/IVVI0927/AIgreement/pkg/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
}

// dummyHash keeps the unknown-user path as slow as a wrong password.
var dummyHash = sync.OnceValue(func() string {
	h, _ := auth.HashPassword("aigreement-timing-equaliser")
	return h
})

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpx.Error(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		httpx.Error(w, r, http.StatusBadRequest, "username and password are required")
		return
	}
	key := gate.ClientKey(r.Context())

	user, err := s.Users.FindByUsername(r.Context(), username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = auth.CheckPassword(dummyHash(), req.Password)
		s.loginFailed(w, r, key, username, "unknown user")
		return
	case err != nil:
		s.Logger.ErrorContext(r.Context(), "user lookup failed", "err", err, "correlation_id", httpx.CorrelationID(r.Context()))
		httpx.Error(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.loginFailed(w, r, key, username, "wrong password")
		return
	}
	if user.Disabled {
		s.loginFailed(w, r, key, username, "account disabled")
		return
	}

	roles := make([]auth.Role, 0, len(user.Roles))
	for _, raw := range user.Roles {
		if role, ok := auth.ParseRole(raw); ok {
			roles = append(roles, role)
		}
	}
	token, exp, err := s.Signer.Issue(user.Username, roles)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "token issue failed", "err", err)
		httpx.Error(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	s.Monitor.Record(secmon.Event{
		Type:      secmon.SuccessfulAuthentication,
		ClientKey: key,
		Subject:   user.Username,
		Detail:    "login succeeded",
	})
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: exp,
		Username:  user.Username,
		Roles:     names,
	})
}

const maxUsernameLen = 64

// register creates a VIEWER account and signs it in. Every store conflict
// gets the same answer so the endpoint cannot be used to list accounts.
func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpx.Error(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		httpx.Error(w, r, http.StatusBadRequest, "username and password are required")
		return
	}
	if len(username) > maxUsernameLen || strings.ContainsFunc(username, unicode.IsControl) {
		httpx.Error(w, r, http.StatusBadRequest, "invalid username")
		return
	}
	if !strongPassword(req.Password) {
		httpx.Error(w, r, http.StatusBadRequest, "password must be at least 8 characters with upper and lower case letters, a digit and a symbol")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpx.Error(w, r, http.StatusBadRequest, "invalid password")
		return
	}
	user, err := s.Users.CreateUser(r.Context(), store.User{
		Username:     username,
		PasswordHash: hash,
		Roles:        []string{string(auth.RoleViewer)},
	})
	switch {
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrInvalid):
		httpx.Error(w, r, http.StatusBadRequest, "registration failed")
		return
	case err != nil:
		s.Logger.ErrorContext(r.Context(), "user create failed", "err", err, "correlation_id", httpx.CorrelationID(r.Context()))
		httpx.Error(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}

	roles := []auth.Role{auth.RoleViewer}
	token, exp, err := s.Signer.Issue(user.Username, roles)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "token issue failed", "err", err)
		httpx.Error(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	s.Monitor.Record(secmon.Event{
		Type:      secmon.SuccessfulAuthentication,
		ClientKey: gate.ClientKey(r.Context()),
		Subject:   user.Username,
		Detail:    "account registered",
	})
	s.Logger.InfoContext(r.Context(), "user registered", "username", user.Username)
	httpx.WriteJSON(w, http.StatusCreated, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: exp,
		Username:  user.Username,
		Roles:     []string{string(auth.RoleViewer)},
	})
}

func strongPassword(p string) bool {
	if utf8.RuneCountInString(p) < 8 {
		return false
	}
	var upper, lower, digit, symbol bool
	for _, r := range p {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	return upper && lower && digit && symbol
}

// loginFailed reports the attempt and answers with the same body whatever
// the reason was.
func (s *Server) loginFailed(w http.ResponseWriter, r *http.Request, key, username, reason string) {
	s.Monitor.Record(secmon.Event{
		Type:      secmon.FailedAuthentication,
		ClientKey: key,
		Subject:   username,
		Detail:    "login failed: " + reason,
	})
	httpx.Error(w, r, http.StatusUnauthorized, "invalid credentials")
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	perms := s.Engine.PermissionsFor(id)
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, string(p))
	}
	roles := make([]string, 0)
	for _, role := range id.Roles() {
		roles = append(roles, string(role))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"subject":     id.Subject(),
		"roles":       roles,
		"permissions": names,
		"expiresAt":   id.ExpiresAt(),
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	snaps := s.Breakers.Snapshots()
	status, code := "ready", http.StatusOK
	if s.Breakers.AnyOpen() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{"status": status, "breakers": snaps})
}

func (s *Server) breakers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"breakers": s.Breakers.Snapshots()})
}

func (s *Server) securityMetrics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Monitor.Metrics())
}

func (s *Server) securityEvents(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, r, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}
	q := audit.Query{
		Type:      secmon.EventType(strings.TrimSpace(r.URL.Query().Get("type"))),
		ClientKey: r.URL.Query().Get("clientKey"),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = since
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	records, err := s.Audit.Recent(r.Context(), q)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "audit query failed", "err", err, "correlation_id", httpx.CorrelationID(r.Context()))
		httpx.Error(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": records})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required by the websocket upgrade on /api/security/stream.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	s.code = http.StatusSwitchingProtocols
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// metricsMiddleware labels requests by route pattern so ids in the path do
// not create new series.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		path := r.Method + " " + pattern
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}
