// Package config loads the gateway configuration: built-in defaults, then an
// optional YAML file, then environment variables (RATE_LIMIT_CAPACITY for
// rate_limit.capacity and so on).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/IVVI0927/AIgreement/pkg/alertbus"
	"github.com/IVVI0927/AIgreement/pkg/breaker"
	"github.com/IVVI0927/AIgreement/pkg/hardening"
	"github.com/IVVI0927/AIgreement/pkg/ratelimit"
	"github.com/IVVI0927/AIgreement/pkg/retry"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
	"github.com/IVVI0927/AIgreement/pkg/store"
)

// Development defaults. Strict production hardening rejects them.
const (
	DefaultJWTSecret     = "dev-only-jwt-secret-change-me"
	DefaultServiceSecret = "dev-only-service-secret-change-me"
)

type Config struct {
	Env                string `mapstructure:"env"`
	StrictProdSecurity bool   `mapstructure:"strict_prod_security"`
	LogLevel           string `mapstructure:"log_level"`
	LogFormat          string `mapstructure:"log_format"`

	HTTP      HTTPConfig           `mapstructure:"http"`
	Auth      AuthConfig           `mapstructure:"auth"`
	RateLimit RateLimitConfig      `mapstructure:"rate_limit"`
	Breaker   BreakerConfig        `mapstructure:"breaker"`
	Retry     RetryConfig          `mapstructure:"retry"`
	Security  SecurityConfig       `mapstructure:"security"`
	LLM       LLMConfig            `mapstructure:"llm"`
	Database  store.PostgresConfig `mapstructure:"database"`
	Redis     store.RedisConfig    `mapstructure:"redis"`
	Cache     CacheConfig          `mapstructure:"cache"`
	Kafka     alertbus.KafkaConfig `mapstructure:"kafka"`
	Audit     AuditConfig          `mapstructure:"audit"`
}

type HTTPConfig struct {
	Addr               string        `mapstructure:"addr"`
	ReadHeaderTimeout  time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	TrustedProxies     []string      `mapstructure:"trusted_proxies"`
	WSAllowedOrigins   []string      `mapstructure:"ws_allowed_origins"`
	SecureCookies      bool          `mapstructure:"secure_cookies"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	RolesFile     string        `mapstructure:"roles_file"`
	ServiceSecret string        `mapstructure:"service_secret"`
	ServiceHeader string        `mapstructure:"service_header"`
	// AdminUser and AdminPasswordHash seed one ADMIN account at startup.
	AdminUser         string `mapstructure:"admin_user"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

type RateLimitConfig struct {
	Backend  string        `mapstructure:"backend"`
	Capacity int           `mapstructure:"capacity"`
	Refill   float64       `mapstructure:"refill"`
	Per      time.Duration `mapstructure:"per"`
}

func (c RateLimitConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{Capacity: c.Capacity, Refill: c.Refill, Per: c.Per}
}

type BreakerConfig struct {
	WindowSize            int           `mapstructure:"window_size"`
	MinimumCalls          int           `mapstructure:"minimum_calls"`
	FailureRateThreshold  float64       `mapstructure:"failure_rate_threshold"`
	SlowCallRateThreshold float64       `mapstructure:"slow_call_rate_threshold"`
	SlowCallDuration      time.Duration `mapstructure:"slow_call_duration"`
	WaitInOpen            time.Duration `mapstructure:"wait_in_open"`
	HalfOpenProbes        int           `mapstructure:"half_open_probes"`
}

func (c BreakerConfig) Config() breaker.Config {
	return breaker.Config{
		WindowSize:            c.WindowSize,
		MinimumCalls:          c.MinimumCalls,
		FailureRateThreshold:  c.FailureRateThreshold,
		SlowCallRateThreshold: c.SlowCallRateThreshold,
		SlowCallDuration:      c.SlowCallDuration,
		WaitInOpen:            c.WaitInOpen,
		HalfOpenProbes:        c.HalfOpenProbes,
	}
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
}

func (c RetryConfig) Config() retry.Config {
	return retry.Config{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		Multiplier:      c.Multiplier,
		MaxInterval:     c.MaxInterval,
		AttemptTimeout:  c.AttemptTimeout,
	}
}

type SecurityConfig struct {
	Window              time.Duration `mapstructure:"window"`
	BruteForceThreshold int           `mapstructure:"brute_force_threshold"`
	SuspiciousThreshold int           `mapstructure:"suspicious_threshold"`
	MaxKeys             int           `mapstructure:"max_keys"`
	QueueSize           int           `mapstructure:"queue_size"`
	SinkTimeout         time.Duration `mapstructure:"sink_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	Rules               []secmon.Rule `mapstructure:"rules"`
}

func (c SecurityConfig) Config() secmon.Config {
	return secmon.Config{
		Window:              c.Window,
		BruteForceThreshold: c.BruteForceThreshold,
		SuspiciousThreshold: c.SuspiciousThreshold,
		MaxKeys:             c.MaxKeys,
		QueueSize:           c.QueueSize,
		SinkTimeout:         c.SinkTimeout,
		Rules:               c.Rules,
	}
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
}

type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Redact   bool   `mapstructure:"redact"`
	HashSalt string `mapstructure:"hash_salt"`
}

func setDefaults(v *viper.Viper) {
	b := breaker.DefaultConfig()
	r := retry.DefaultConfig()
	s := secmon.DefaultConfig()
	p := ratelimit.DefaultPolicy()

	v.SetDefault("env", "dev")
	v.SetDefault("strict_prod_security", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", int64(2<<20))
	v.SetDefault("http.cors_allowed_origins", []string{})
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("http.ws_allowed_origins", []string{})
	v.SetDefault("http.secure_cookies", false)

	v.SetDefault("auth.jwt_secret", DefaultJWTSecret)
	v.SetDefault("auth.issuer", "aigreement")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.roles_file", "")
	v.SetDefault("auth.service_secret", DefaultServiceSecret)
	v.SetDefault("auth.service_header", "X-Service-Auth")
	v.SetDefault("auth.admin_user", "")
	v.SetDefault("auth.admin_password_hash", "")

	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.capacity", p.Capacity)
	v.SetDefault("rate_limit.refill", p.Refill)
	v.SetDefault("rate_limit.per", p.Per)

	v.SetDefault("breaker.window_size", b.WindowSize)
	v.SetDefault("breaker.minimum_calls", b.MinimumCalls)
	v.SetDefault("breaker.failure_rate_threshold", b.FailureRateThreshold)
	v.SetDefault("breaker.slow_call_rate_threshold", b.SlowCallRateThreshold)
	v.SetDefault("breaker.slow_call_duration", b.SlowCallDuration)
	v.SetDefault("breaker.wait_in_open", b.WaitInOpen)
	v.SetDefault("breaker.half_open_probes", b.HalfOpenProbes)

	v.SetDefault("retry.max_attempts", r.MaxAttempts)
	v.SetDefault("retry.initial_interval", r.InitialInterval)
	v.SetDefault("retry.multiplier", r.Multiplier)
	v.SetDefault("retry.max_interval", r.MaxInterval)
	v.SetDefault("retry.attempt_timeout", r.AttemptTimeout)

	v.SetDefault("security.window", s.Window)
	v.SetDefault("security.brute_force_threshold", s.BruteForceThreshold)
	v.SetDefault("security.suspicious_threshold", s.SuspiciousThreshold)
	v.SetDefault("security.max_keys", s.MaxKeys)
	v.SetDefault("security.queue_size", s.QueueSize)
	v.SetDefault("security.sink_timeout", s.SinkTimeout)
	v.SetDefault("security.sweep_interval", time.Minute)

	v.SetDefault("llm.base_url", "http://localhost:8081")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.require_tls", false)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_retries", 30)
	v.SetDefault("database.retry_delay", 2*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.require_tls", false)
	v.SetDefault("redis.tls_insecure", false)
	v.SetDefault("redis.allow_insecure_tls", false)
	v.SetDefault("redis.tls_server_name", "")
	v.SetDefault("redis.tls_ca_cert_file", "")
	v.SetDefault("redis.tls_cert_file", "")
	v.SetDefault("redis.tls_key_file", "")

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.capacity", 10_000)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "aigreement.security.alerts")
	v.SetDefault("kafka.group_id", "aigreement-alerts")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.redact", false)
	v.SetDefault("audit.hash_salt", "")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.HTTP.CORSAllowedOrigins = compact(cfg.HTTP.CORSAllowedOrigins)
	cfg.HTTP.TrustedProxies = compact(cfg.HTTP.TrustedProxies)
	cfg.HTTP.WSAllowedOrigins = compact(cfg.HTTP.WSAllowedOrigins)
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values no component can default on its own.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	switch strings.ToLower(c.RateLimit.Backend) {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Hardening maps the configuration onto the production checks.
func (c *Config) Hardening(service string) hardening.Options {
	return hardening.Options{
		Service:            service,
		Environment:        c.Env,
		StrictProdSecurity: c.StrictProdSecurity,
		DatabaseURL:        c.Database.URL,
		DatabaseRequireTLS: c.Database.RequireTLS,
		RedisAddr:          c.Redis.Addr,
		RedisRequireTLS:    c.Redis.RequireTLS,
		RedisTLSInsecure:   c.Redis.TLSInsecure,
		RateLimitBackend:   c.RateLimit.Backend,
		CORSAllowedOrigins: c.HTTP.CORSAllowedOrigins,
		TrustedProxies:     c.HTTP.TrustedProxies,
		Secrets: []hardening.Secret{
			{Name: "AUTH_JWT_SECRET", Value: c.Auth.JWTSecret, Default: DefaultJWTSecret},
			{Name: "AUTH_SERVICE_SECRET", Value: c.Auth.ServiceSecret, Default: DefaultServiceSecret},
		},
	}
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
