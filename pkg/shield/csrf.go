package shield

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"

	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
)

const (
	CSRFCookie = "XSRF-TOKEN"
	CSRFHeader = "X-XSRF-TOKEN"
)

// CSRF implements the double-submit cookie check. Safe methods receive a
// token cookie readable by the single-page app; state-changing requests
// that carry cookies must echo it in CSRFHeader. Requests without any
// cookie have no ambient credentials to abuse and pass.
type CSRF struct {
	reporter Reporter
	clientIP *httpx.ClientIP
	secure   bool
}

func NewCSRF(reporter Reporter, clientIP *httpx.ClientIP, secureCookie bool) *CSRF {
	if clientIP == nil {
		clientIP = &httpx.ClientIP{}
	}
	return &CSRF{reporter: reporter, clientIP: clientIP, secure: secureCookie}
}

func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CSRFCookie)
		if safeMethod(r.Method) {
			if err != nil || cookie.Value == "" {
				c.issue(w)
			}
			next.ServeHTTP(w, r)
			return
		}
		if len(r.Cookies()) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get(CSRFHeader)
		if err != nil || cookie.Value == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			if c.reporter != nil {
				c.reporter.Record(secmon.Event{
					Type:      secmon.CSRFAttempt,
					ClientKey: c.clientIP.Resolve(r),
					Detail:    "missing or mismatched csrf token on " + r.Method + " " + r.URL.Path,
				})
			}
			httpx.Error(w, r, http.StatusForbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CSRF) issue(w http.ResponseWriter) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    base64.RawURLEncoding.EncodeToString(buf),
		Path:     "/",
		Secure:   c.secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
