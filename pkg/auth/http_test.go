package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer   tok ", "tok", true},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, ok := BearerToken(r)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("BearerToken(%q) = %q,%v want %q,%v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("expected no identity")
	}
	id := NewIdentity("carol", []Role{RoleAdmin}, time.Time{}, time.Now().Add(time.Hour))
	got, ok := IdentityFromContext(WithIdentity(context.Background(), id))
	if !ok || got.Subject() != "carol" || !got.HasRole(RoleAdmin) {
		t.Fatalf("unexpected identity %+v", got)
	}
}

func TestIdentityRolesAreCopied(t *testing.T) {
	id := NewIdentity("dave", []Role{RoleViewer}, time.Time{}, time.Time{})
	roles := id.Roles()
	roles[0] = RoleAdmin
	if id.HasRole(RoleAdmin) {
		t.Fatal("identity must not be mutable through Roles()")
	}
	if (Identity{}).IsZero() != true {
		t.Fatal("zero identity should report IsZero")
	}
}

func TestParseRole(t *testing.T) {
	for raw, want := range map[string]Role{"ADMIN": RoleAdmin, "role_reviewer": RoleReviewer, " Viewer ": RoleViewer} {
		got, ok := ParseRole(raw)
		if !ok || got != want {
			t.Fatalf("ParseRole(%q) = %q,%v", raw, got, ok)
		}
	}
	if _, ok := ParseRole("OWNER"); ok {
		t.Fatal("unknown role accepted")
	}
}

func TestServiceGuard(t *testing.T) {
	h := ServiceGuard("", "internal-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm/analyze", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req.Header.Set(DefaultServiceHeader, "wrong")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req.Header.Set(DefaultServiceHeader, "internal-secret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid secret: got %d", rec.Code)
	}
}

func TestServiceGuardEmptySecretDeniesAll(t *testing.T) {
	h := ServiceGuard("X-Internal", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := CheckPassword(hash, "battery staple"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}
