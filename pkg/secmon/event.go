package secmon

import (
	"strings"
	"time"
	"unicode"
)

type EventType string

const (
	SuccessfulAuthentication EventType = "SUCCESSFUL_AUTHENTICATION"
	FailedAuthentication     EventType = "FAILED_AUTHENTICATION"
	UnauthorizedAccess       EventType = "UNAUTHORIZED_ACCESS"
	CSRFAttempt              EventType = "CSRF_ATTEMPT"
	XSSAttempt               EventType = "XSS_ATTEMPT"
	SQLInjectionAttempt      EventType = "SQL_INJECTION_ATTEMPT"
	RateLimitExceeded        EventType = "RATE_LIMIT_EXCEEDED"
	SuspiciousActivity       EventType = "SUSPICIOUS_ACTIVITY"
	BruteForceAttack         EventType = "BRUTE_FORCE_ATTACK"
	PotentialAttack          EventType = "POTENTIAL_ATTACK"
	BlockedRequest           EventType = "BLOCKED_REQUEST"
	AlertRuleMatched         EventType = "ALERT_RULE_MATCHED"
)

// Suspicious reports whether t counts toward the potential-attack total.
func (t EventType) Suspicious() bool {
	switch t {
	case XSSAttempt, SQLInjectionAttempt, CSRFAttempt, UnauthorizedAccess:
		return true
	}
	return false
}

// Escalation reports whether t is raised by the monitor itself.
func (t EventType) Escalation() bool {
	switch t {
	case BruteForceAttack, PotentialAttack, AlertRuleMatched:
		return true
	}
	return false
}

func (t EventType) injection() bool {
	return t == XSSAttempt || t == SQLInjectionAttempt
}

// Event is immutable once recorded. An empty Subject means no verified
// identity was involved.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	ClientKey string    `json:"clientKey"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

const (
	MaxDetailRunes = 200
	MaxKeyRunes    = 128
)

// Sanitize replaces line breaks and tabs with '_', drops other control
// characters and caps the result at limit runes followed by "...".
func Sanitize(s string, limit int) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		switch {
		case r == '\r' || r == '\n' || r == '\t' || r == '\u2028' || r == '\u2029':
			r = '_'
		case unicode.IsControl(r):
			continue
		}
		if limit > 0 && n == limit {
			b.WriteString("...")
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func sanitizeEvent(e Event, now time.Time) Event {
	if e.At.IsZero() {
		e.At = now
	}
	e.ClientKey = normalizeKey(e.ClientKey)
	e.Subject = Sanitize(strings.TrimSpace(e.Subject), MaxKeyRunes)
	e.Detail = Sanitize(e.Detail, MaxDetailRunes)
	return e
}

func normalizeKey(key string) string {
	key = Sanitize(strings.TrimSpace(key), MaxKeyRunes)
	if key == "" {
		return "unknown"
	}
	return key
}
