// Package hardening rejects production configurations that would weaken the
// gate: default secrets, plaintext data stores and permissive CORS.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

// MinSecretLength is the shortest HMAC or shared secret accepted in
// production.
const MinSecretLength = 32

type Secret struct {
	Name    string
	Value   string
	Default string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity bool
	DatabaseURL        string
	DatabaseRequireTLS bool
	RedisAddr          string
	RedisRequireTLS    bool
	RedisTLSInsecure   bool
	RateLimitBackend   string
	CORSAllowedOrigins []string
	TrustedProxies     []string
	Secrets            []Secret
}

// ValidateProduction returns every violation joined into one error. Non
// production environments and StrictProdSecurity=false skip all checks.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...))
	}

	for _, s := range o.Secrets {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		value := strings.TrimSpace(s.Value)
		switch {
		case value == "":
			fail("requires %s", name)
		case s.Default != "" && value == s.Default:
			fail("forbids the built-in default for %s", name)
		case len(value) < MinSecretLength:
			fail("requires %s of at least %d bytes", name, MinSecretLength)
		}
	}
	if strings.TrimSpace(o.DatabaseURL) != "" && !o.DatabaseRequireTLS {
		fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" || strings.EqualFold(o.RateLimitBackend, "redis") {
		if !o.RedisRequireTLS {
			fail("requires REDIS_REQUIRE_TLS=true")
		}
		if o.RedisTLSInsecure {
			fail("forbids REDIS_TLS_INSECURE")
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		fail("%v", err)
	}
	for _, p := range o.TrustedProxies {
		if p = strings.TrimSpace(p); p == "0.0.0.0/0" || p == "::/0" {
			fail("forbids trusting every proxy (%s)", p)
		}
	}
	return errors.Join(errs...)
}

func validateCORSOrigins(origins []string) error {
	valid := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return errors.New("forbids CORS wildcard origin")
		}
		for _, local := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
			if strings.HasPrefix(lower, local) {
				return fmt.Errorf("forbids localhost CORS origin %q", o)
			}
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("requires HTTPS CORS origin, got %q", o)
		}
	}
	if valid == 0 {
		return errors.New("requires explicit HTTP_CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
