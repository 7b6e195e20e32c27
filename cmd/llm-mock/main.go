// Command llm-mock stands in for the downstream analysis service. Failure
// rate and latency are injectable so the gateway's retries, breaker and
// fallbacks can be exercised end to end.
package main

import (
	"context"
	"log"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/config"
	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/llmclient"
	"github.com/IVVI0927/AIgreement/pkg/telemetry"
)

const serviceName = "llm-mock"

const modelName = "llm-mock-v1"

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runLLMMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type mock struct {
	failureRate float64
	failStatus  int
	latency     time.Duration
	random      func() float64
	logger      *slog.Logger
}

func newMockFromEnv(logger *slog.Logger) *mock {
	rate, _ := strconv.ParseFloat(env("LLM_MOCK_FAILURE_RATE", "0"), 64)
	return &mock{
		failureRate: math.Max(0, math.Min(1, rate)),
		failStatus:  envInt("LLM_MOCK_FAILURE_STATUS", http.StatusServiceUnavailable),
		latency:     time.Millisecond * time.Duration(envInt("LLM_MOCK_LATENCY_MS", 0)),
		random:      rand.Float64,
		logger:      logger,
	}
}

func (m *mock) handle(op llmclient.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if m.latency > 0 {
			t := time.NewTimer(m.latency)
			select {
			case <-r.Context().Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if m.failureRate > 0 && m.random() < m.failureRate {
			m.logger.Info("injected failure", "operation", string(op), "status", m.failStatus,
				"correlation_id", r.Header.Get(httpx.CorrelationHeader))
			httpx.WriteJSON(w, m.failStatus, map[string]string{"error": "injected failure"})
			return
		}
		var req llmclient.Request
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "content is required"})
			return
		}
		res := assess(op, req)
		res.ProcessingTimeMS = time.Since(start).Milliseconds()
		httpx.WriteJSON(w, http.StatusOK, res)
	}
}

// riskTerms are weighted phrases that push a clause's risk up.
var riskTerms = []struct {
	term   string
	weight float64
	kind   string
}{
	{"indemnif", 0.30, "INDEMNIFICATION"},
	{"unlimited liability", 0.40, "LIABILITY"},
	{"liability", 0.20, "LIABILITY"},
	{"penalt", 0.25, "PENALTY"},
	{"terminat", 0.15, "TERMINATION"},
	{"exclusive", 0.15, "EXCLUSIVITY"},
	{"non-compete", 0.20, "NON_COMPETE"},
	{"automatic renewal", 0.15, "RENEWAL"},
	{"confidential", 0.05, "CONFIDENTIALITY"},
	{"governing law", 0.00, "GOVERNING_LAW"},
	{"payment", 0.05, "PAYMENT"},
}

// assess produces a deterministic result from keyword matches.
func assess(op llmclient.Operation, req llmclient.Request) llmclient.Result {
	res := llmclient.Result{
		Status:          "COMPLETED",
		KeyClauses:      []llmclient.Clause{},
		Issues:          []string{},
		Recommendations: []string{},
		ModelUsed:       modelName,
	}
	score := 0.0
	for _, sentence := range sentences(req.Content) {
		lower := strings.ToLower(sentence)
		for _, rt := range riskTerms {
			if !strings.Contains(lower, rt.term) {
				continue
			}
			score += rt.weight
			res.KeyClauses = append(res.KeyClauses, llmclient.Clause{Type: rt.kind, Text: sentence, RiskLevel: level(rt.weight * 2)})
			if rt.weight >= 0.2 {
				res.Issues = append(res.Issues, rt.kind+" clause carries elevated risk")
				res.Recommendations = append(res.Recommendations, "Review the "+strings.ToLower(strings.ReplaceAll(rt.kind, "_", " "))+" terms with counsel")
			}
			break
		}
	}
	res.RiskScore = math.Round(math.Min(1, score)*100) / 100
	res.RiskLevel = level(res.RiskScore)

	title := strings.TrimSpace(req.Title)
	switch op {
	case llmclient.ExtractClauses:
		res.Summary = strconv.Itoa(len(res.KeyClauses)) + " key clauses extracted from " + title
	case llmclient.AssessRisk:
		res.Summary = title + " assessed as " + res.RiskLevel + " risk"
	default:
		res.Summary = title + ": " + strconv.Itoa(len(sentences(req.Content))) + " sentences, overall risk " + res.RiskLevel
		if !req.IncludeRiskAssessment {
			res.Issues = []string{}
		}
	}
	return res
}

func level(score float64) string {
	switch {
	case score >= 0.6:
		return "HIGH"
	case score >= 0.3:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func sentences(text string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == ';' || r == '\n' }) {
		if s := strings.TrimFunc(part, unicode.IsSpace); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func (m *mock) routes(header, secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CorrelationMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Route("/api/llm", func(r chi.Router) {
		r.Use(auth.ServiceGuard(header, secret))
		for _, op := range []llmclient.Operation{llmclient.Analyze, llmclient.ExtractClauses, llmclient.AssessRisk} {
			r.Post("/"+string(op), m.handle(op))
		}
	})
	return r
}

func runLLMMock(
	initTelemetry func(context.Context, telemetry.Config, *slog.Logger) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	shutdown, err := initTelemetry(context.Background(), telemetry.ConfigFromEnv(serviceName), logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	m := newMockFromEnv(logger)
	header := env("AUTH_SERVICE_HEADER", auth.DefaultServiceHeader)
	secret := env("AUTH_SERVICE_SECRET", config.DefaultServiceSecret)

	addr := env("ADDR", ":8081")
	logger.Info("llm-mock listening", "addr", addr, "failure_rate", m.failureRate, "latency", m.latency)
	server := &http.Server{
		Addr:              addr,
		Handler:           m.routes(header, secret),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 120),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
