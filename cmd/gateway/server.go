package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/IVVI0927/AIgreement/pkg/alertbus"
	"github.com/IVVI0927/AIgreement/pkg/analysis"
	"github.com/IVVI0927/AIgreement/pkg/audit"
	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/breaker"
	"github.com/IVVI0927/AIgreement/pkg/config"
	"github.com/IVVI0927/AIgreement/pkg/gate"
	"github.com/IVVI0927/AIgreement/pkg/hardening"
	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/llmclient"
	"github.com/IVVI0927/AIgreement/pkg/metrics"
	"github.com/IVVI0927/AIgreement/pkg/ratelimit"
	"github.com/IVVI0927/AIgreement/pkg/rbac"
	"github.com/IVVI0927/AIgreement/pkg/retry"
	"github.com/IVVI0927/AIgreement/pkg/secmon"
	"github.com/IVVI0927/AIgreement/pkg/shield"
	"github.com/IVVI0927/AIgreement/pkg/store"
	"github.com/IVVI0927/AIgreement/pkg/stream"
	"github.com/IVVI0927/AIgreement/pkg/telemetry"
)

const serviceName = "gateway"

const uploadPath = "/api/contracts/upload"

// alertPublishTimeout bounds one asynchronous breaker alert.
const alertPublishTimeout = 5 * time.Second

type Server struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Monitor  *secmon.Monitor
	Gate     *gate.RequestGate
	Outbound *gate.OutboundGate
	Breakers *breaker.Registry
	ClientIP *httpx.ClientIP
	Signer   *auth.Signer
	Engine   *rbac.Engine
	Users    store.UserStore
	Analysis *analysis.Handler
	Audit    *audit.Writer
	Events   *stream.Hub
	Cache    store.Cache

	buckets *ratelimit.InMemoryLimiter
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type alertPublisher interface {
	alertbus.Publisher
	Close() error
}

// resources are the connections opened before the server is assembled. Any
// of them may be nil; the server then runs on in-memory stand-ins.
type resources struct {
	DB         gatewayDB
	Redis      *redis.Client
	Publisher  alertbus.Publisher
	HTTPClient *http.Client
}

// Testable variables for runGateway
var (
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context, cfg store.PostgresConfig, logger *slog.Logger) (gatewayDB, error) {
		return store.NewPostgresPool(ctx, cfg, logger)
	}
	openRedisFn     = store.NewRedis
	openPublisherFn = func(cfg alertbus.KafkaConfig) (alertPublisher, error) { return alertbus.NewKafkaPublisher(cfg) }
	listenFn        = func(srv *http.Server) error { return srv.ListenAndServe() }
)

func runGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := hardening.ValidateProduction(cfg.Hardening(serviceName)); err != nil {
		return err
	}
	shutdown, err := initTelemetryFn(ctx, telemetry.ConfigFromEnv(serviceName), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var res resources
	if strings.TrimSpace(cfg.Database.URL) != "" {
		db, err := openDBFn(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()
		res.DB = db
	} else {
		logger.Warn("database.url not set, contracts and users are kept in memory")
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		client, err := openRedisFn(ctx, cfg.Redis)
		if err != nil {
			if cfg.RateLimit.Backend == "redis" && hardening.IsProductionLike(cfg.Env) {
				return fmt.Errorf("redis: %w", err)
			}
			logger.Warn("redis unavailable, falling back to in-memory cache and limits", "err", err)
		} else {
			defer client.Close()
			res.Redis = client
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := openPublisherFn(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		res.Publisher = pub
	}

	s, err := newServer(ctx, cfg, logger, res)
	if err != nil {
		return err
	}
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	s.startLoops(loopCtx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("gateway listening", "addr", cfg.HTTP.Addr, "env", cfg.Env)
	errCh := make(chan error, 1)
	go func() { errCh <- listenFn(srv) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, res resources) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewRegistry(),
		Events:  stream.NewHub(),
	}

	clientIP, err := httpx.NewClientIP(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	s.ClientIP = clientIP

	verifierOpts := []auth.VerifierOption{auth.WithIssuer(cfg.Auth.Issuer), auth.WithAudience(cfg.Auth.Audience)}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, verifierOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if s.Signer, err = auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, verifierOpts...); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	table := rbac.DefaultTable()
	if path := strings.TrimSpace(cfg.Auth.RolesFile); path != "" {
		if table, err = rbac.LoadTable(path); err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
		logger.Info("role table loaded", "path", path, "version", table.Version())
	}
	s.Engine = rbac.NewEngine(table)

	sinks := []secmon.Sink{secmon.LogSink(logger), s.Events.SecuritySink(), s.Metrics.SecuritySink()}
	if res.DB != nil && cfg.Audit.Enabled {
		s.Audit = &audit.Writer{DB: res.DB, HashSalt: []byte(cfg.Audit.HashSalt), Redact: cfg.Audit.Redact}
		sinks = append(sinks, s.Audit)
	}
	if res.Publisher != nil {
		sinks = append(sinks, alertbus.SecuritySink(res.Publisher))
	}
	if s.Monitor, err = secmon.NewMonitor(cfg.Security.Config(), secmon.WithLogger(logger), secmon.WithSink(sinks...)); err != nil {
		return nil, fmt.Errorf("security monitor: %w", err)
	}

	breakerOpts := []breaker.Option{
		breaker.WithListener(logTransitions(logger)),
		breaker.WithListener(s.Metrics.BreakerListener()),
		breaker.WithListener(s.Events.BreakerListener()),
	}
	if res.Publisher != nil {
		breakerOpts = append(breakerOpts, breaker.WithListener(alertbus.BreakerListener(res.Publisher, alertPublishTimeout, logger)))
	}
	s.Breakers = breaker.NewRegistry(cfg.Breaker.Config(), breakerOpts...)
	s.Breakers.Get(llmclient.Dependency)
	exec := retry.NewExecutor(s.Breakers, cfg.Retry.Config(), retry.WithLogger(logger), retry.WithObserver(s.Metrics))
	s.Outbound = gate.NewOutboundGate(exec, logger, s.Metrics)

	s.buckets = ratelimit.NewInMemory(cfg.RateLimit.Policy())
	var limiter ratelimit.Limiter = s.buckets
	switch {
	case cfg.RateLimit.Backend == "redis" && res.Redis != nil:
		limiter = ratelimit.NewRedis(res.Redis, cfg.RateLimit.Policy(), s.buckets)
	case cfg.RateLimit.Backend == "redis":
		logger.Warn("rate_limit.backend=redis without a redis connection, using in-memory buckets")
	}
	s.Gate = gate.NewRequestGate(s.Monitor, limiter, verifier, s.Engine,
		gate.WithLogger(logger), gate.WithObserver(s.Metrics), gate.WithClientIP(clientIP))

	var contracts store.ContractStore
	if res.DB != nil {
		contracts = store.NewPGContracts(res.DB)
		s.Users = store.NewPGUsers(res.DB)
	} else {
		contracts = store.NewMemoryContracts(nil)
		s.Users = store.NewMemoryUsers()
	}
	if res.Redis != nil {
		s.Cache = store.NewCache(ctx, res.Redis)
	} else {
		s.Cache = store.NewMemoryCache(cfg.Cache.Capacity, nil)
	}

	httpClient := res.HTTPClient
	if httpClient == nil {
		httpClient = telemetry.InstrumentClient(&http.Client{Timeout: cfg.LLM.Timeout})
	}
	llm, err := llmclient.New(cfg.LLM.BaseURL, cfg.Auth.ServiceSecret,
		llmclient.WithHTTPClient(httpClient), llmclient.WithSecretHeader(cfg.Auth.ServiceHeader))
	if err != nil {
		return nil, err
	}
	svc := analysis.NewService(s.Outbound, llm, contracts,
		analysis.WithCache(s.Cache, cfg.Cache.TTL), analysis.WithLogger(logger))
	s.Analysis = analysis.NewHandler(svc, logger)

	if err := s.seedAdmin(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// seedAdmin creates the configured ADMIN account unless it already exists.
func (s *Server) seedAdmin(ctx context.Context) error {
	name := strings.TrimSpace(s.Config.Auth.AdminUser)
	hash := strings.TrimSpace(s.Config.Auth.AdminPasswordHash)
	if name == "" || hash == "" {
		return nil
	}
	_, err := s.Users.CreateUser(ctx, store.User{
		Username:     name,
		PasswordHash: hash,
		Roles:        []string{string(auth.RoleAdmin)},
	})
	switch {
	case err == nil:
		s.Logger.Info("admin user seeded", "username", name)
	case errors.Is(err, store.ErrDuplicate):
	default:
		return fmt.Errorf("seed admin: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	cfg := s.Config
	r := chi.NewRouter()
	r.Use(httpx.CorrelationMiddleware)
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(strings.Join(cfg.HTTP.CORSAllowedOrigins, ",")))
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(s.limitRequestBody)
	r.Use(shield.NewInspector(s.Monitor, s.ClientIP, shield.WithDocumentFields("/api/contracts/", "title", "content")).Middleware)
	r.Use(shield.NewCSRF(s.Monitor, s.ClientIP, cfg.HTTP.SecureCookies).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Get("/readyz", s.readyz)

	r.With(s.Gate.RequireAdmission()).Post("/api/auth/login", s.login)
	r.With(s.Gate.RequireAdmission()).Post("/api/auth/register", s.register)
	r.With(s.Gate.Require(rbac.UserRead)).Get("/api/auth/me", s.me)

	r.Route("/api/contracts", func(r chi.Router) {
		write := r.With(s.Gate.Require(rbac.AnalysisWrite))
		write.Post("/analyze", s.Analysis.Operation(llmclient.Analyze))
		write.Post("/extract-clauses", s.Analysis.Operation(llmclient.ExtractClauses))
		write.Post("/risk-assessment", s.Analysis.Operation(llmclient.AssessRisk))
		r.With(s.Gate.Require(rbac.ContractWrite)).Post("/upload", s.Analysis.Upload)
		r.With(s.Gate.Require(rbac.ContractRead)).Get("/", s.Analysis.List)
		r.With(s.Gate.Require(rbac.ContractRead)).Get("/{id}", s.Analysis.Get)
	})

	r.Route("/api/security", func(r chi.Router) {
		r.Use(s.Gate.Require(rbac.SecurityRead))
		r.Get("/metrics", s.securityMetrics)
		r.Get("/events", s.securityEvents)
		r.Get("/stream", stream.Handler(s.Events, cfg.HTTP.WSAllowedOrigins, s.Logger))
	})

	settings := r.With(s.Gate.Require(rbac.SettingsRead))
	settings.Get("/api/breakers", s.breakers)
	settings.Get("/metrics", s.Metrics.Handler())
	settings.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	return r
}

// limitRequestBody applies the configured cap everywhere except contract
// uploads, which carry their own larger limit.
func (s *Server) limitRequestBody(next http.Handler) http.Handler {
	small := httpx.BodyLimitMiddleware(s.Config.HTTP.MaxBodyBytes)(next)
	large := httpx.BodyLimitMiddleware(analysis.MaxUploadBytes + 1<<20)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == uploadPath {
			large.ServeHTTP(w, r)
			return
		}
		small.ServeHTTP(w, r)
	})
}

func logTransitions(logger *slog.Logger) breaker.Listener {
	return func(e breaker.Event) {
		if e.Kind != breaker.EventStateTransition {
			return
		}
		logger.Info("circuit breaker transition",
			"dependency", e.Breaker, "from", e.From.String(), "to", e.To.String())
	}
}

func (s *Server) startLoops(ctx context.Context) {
	every := s.Config.Security.SweepInterval
	if every <= 0 {
		every = time.Minute
	}
	go s.Monitor.Run(ctx, every)
	go s.buckets.Run(ctx, every)
	go s.maintenanceLoop(ctx, every)
}

func (s *Server) maintenanceLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Gate.SweepSeen(now)
			if mc, ok := s.Cache.(*store.MemoryCache); ok {
				mc.Sweep()
			}
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	snap := s.Monitor.Metrics()
	s.Metrics.SetGauge("security_blocked_keys", float64(snap.BlockedKeys))
	s.Metrics.SetGauge("security_tracked_keys", float64(snap.TrackedKeys))
	s.Metrics.SetGauge("security_dropped_events", float64(snap.DroppedEvents))
	s.Metrics.SetGauge("ratelimit_buckets", float64(s.buckets.Len()))
	s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	s.Metrics.SetGauge("stream_dropped_events", float64(s.Events.Dropped()))
}
