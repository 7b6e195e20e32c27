package hardening

import (
	"strings"
	"testing"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "gateway",
		Environment:        "production",
		StrictProdSecurity: true,
		DatabaseURL:        "postgres://db/aigreement",
		DatabaseRequireTLS: true,
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    true,
		CORSAllowedOrigins: []string{"https://app.aigreement.example"},
		TrustedProxies:     []string{"10.0.0.0/8"},
		Secrets: []Secret{
			{Name: "JWT_SECRET", Value: strongSecret, Default: "change-me-jwt"},
			{Name: "SERVICE_AUTH_SECRET", Value: strongSecret + "x", Default: "change-me-service"},
		},
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{name: "pass", mutate: func(*Options) {}},
		{name: "non_prod_skip", mutate: func(o *Options) {
			o.Environment = "development"
			o.DatabaseRequireTLS = false
			o.CORSAllowedOrigins = []string{"*"}
		}},
		{name: "strict_can_be_disabled", mutate: func(o *Options) {
			o.StrictProdSecurity = false
			o.CORSAllowedOrigins = []string{"*"}
		}},
		{name: "db_tls_required", mutate: func(o *Options) { o.DatabaseRequireTLS = false }, wantErr: "DATABASE_REQUIRE_TLS"},
		{name: "no_db_no_tls_needed", mutate: func(o *Options) { o.DatabaseURL = ""; o.DatabaseRequireTLS = false }},
		{name: "redis_tls_required", mutate: func(o *Options) { o.RedisRequireTLS = false }, wantErr: "REDIS_REQUIRE_TLS"},
		{name: "redis_backend_without_addr", mutate: func(o *Options) {
			o.RedisAddr = ""
			o.RateLimitBackend = "redis"
			o.RedisRequireTLS = false
		}, wantErr: "REDIS_REQUIRE_TLS"},
		{name: "redis_insecure_forbidden", mutate: func(o *Options) { o.RedisTLSInsecure = true }, wantErr: "REDIS_TLS_INSECURE"},
		{name: "cors_wildcard_forbidden", mutate: func(o *Options) { o.CORSAllowedOrigins = []string{"*"} }, wantErr: "wildcard"},
		{name: "cors_https_required", mutate: func(o *Options) { o.CORSAllowedOrigins = []string{"http://app.aigreement.example"} }, wantErr: "HTTPS"},
		{name: "cors_localhost_forbidden", mutate: func(o *Options) { o.CORSAllowedOrigins = []string{"https://localhost:3000"} }, wantErr: "localhost"},
		{name: "cors_required", mutate: func(o *Options) { o.CORSAllowedOrigins = []string{" "} }, wantErr: "CORS_ALLOWED_ORIGINS"},
		{name: "secret_missing", mutate: func(o *Options) { o.Secrets[0].Value = "" }, wantErr: "requires JWT_SECRET"},
		{name: "secret_default", mutate: func(o *Options) {
			o.Secrets[1].Value = "change-me-service"
		}, wantErr: "default for SERVICE_AUTH_SECRET"},
		{name: "secret_short", mutate: func(o *Options) { o.Secrets[0].Value = "short" }, wantErr: "at least 32 bytes"},
		{name: "trust_everything_forbidden", mutate: func(o *Options) { o.TrustedProxies = []string{"0.0.0.0/0"} }, wantErr: "every proxy"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			o.Secrets = append([]Secret(nil), base.Secrets...)
			tc.mutate(&o)
			err := ValidateProduction(o)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected pass, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateProductionReportsEveryViolation(t *testing.T) {
	err := ValidateProduction(Options{
		Environment:        "staging",
		StrictProdSecurity: true,
		DatabaseURL:        "postgres://db",
		CORSAllowedOrigins: []string{"*"},
		Secrets:            []Secret{{Name: "JWT_SECRET"}},
	})
	if err == nil {
		t.Fatal("expected violations")
	}
	for _, want := range []string{"JWT_SECRET", "DATABASE_REQUIRE_TLS", "wildcard", "service:"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
