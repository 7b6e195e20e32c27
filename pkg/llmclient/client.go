// Package llmclient calls the downstream contract analysis service.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/IVVI0927/AIgreement/pkg/auth"
	"github.com/IVVI0927/AIgreement/pkg/fault"
	"github.com/IVVI0927/AIgreement/pkg/httpx"
)

// Dependency is the breaker and metrics name of the analysis service.
const Dependency = "llm-service"

type Operation string

const (
	Analyze        Operation = "analyze"
	ExtractClauses Operation = "extract-clauses"
	AssessRisk     Operation = "risk-assessment"
)

func (o Operation) Valid() bool {
	switch o {
	case Analyze, ExtractClauses, AssessRisk:
		return true
	}
	return false
}

func (o Operation) Path() string { return "/api/llm/" + string(o) }

type Request struct {
	Title                 string `json:"title"`
	Content               string `json:"content"`
	ContractType          string `json:"contractType,omitempty"`
	AnalysisDepth         string `json:"analysisDepth,omitempty"`
	IncludeRiskAssessment bool   `json:"includeRiskAssessment"`
	IncludeCompliance     bool   `json:"includeCompliance"`
}

type Clause struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	RiskLevel string `json:"riskLevel,omitempty"`
}

// Result is the analysis payload returned to API callers. The fallback
// payload uses the same shape with Status "FALLBACK".
type Result struct {
	AnalysisID       string   `json:"analysisId,omitempty"`
	Status           string   `json:"status"`
	Summary          string   `json:"summary"`
	RiskLevel        string   `json:"riskLevel"`
	RiskScore        float64  `json:"riskScore,omitempty"`
	KeyClauses       []Clause `json:"keyClauses"`
	Issues           []string `json:"issues"`
	Recommendations  []string `json:"recommendations"`
	ModelUsed        string   `json:"modelUsed,omitempty"`
	ProcessingTimeMS int64    `json:"processingTimeMs,omitempty"`
}

type Client struct {
	base         string
	http         *http.Client
	secret       string
	secretHeader string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithSecretHeader(name string) Option {
	return func(cl *Client) {
		if strings.TrimSpace(name) != "" {
			cl.secretHeader = name
		}
	}
}

func New(baseURL, serviceSecret string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("llmclient: invalid base url %q", baseURL)
	}
	c := &Client{
		base:         baseURL,
		http:         &http.Client{Timeout: 60 * time.Second},
		secret:       serviceSecret,
		secretHeader: auth.DefaultServiceHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Do performs one attempt of op. Errors are tagged for the retry executor;
// an undecodable success body counts as an I/O fault.
func (c *Client) Do(ctx context.Context, op Operation, req Request) (Result, error) {
	if !op.Valid() {
		return Result{}, fault.Inputf("unknown analysis operation %q", op)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fault.New(fault.Input, "encode "+string(op), err)
	}
	headers := map[string]string{c.secretHeader: c.secret}
	if id := httpx.CorrelationID(ctx); id != "" {
		headers[httpx.CorrelationHeader] = id
	}
	_, raw, err := httpx.DoJSON(ctx, c.http, http.MethodPost, c.base+op.Path(), body, headers)
	if err != nil {
		return Result{}, err
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fault.New(fault.IO, "decode "+string(op), err)
	}
	if out.Status == "" {
		return Result{}, fault.New(fault.IO, "decode "+string(op), errors.New("response without status"))
	}
	return out, nil
}

func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	return c.Do(ctx, Analyze, req)
}

func (c *Client) ExtractClauses(ctx context.Context, req Request) (Result, error) {
	return c.Do(ctx, ExtractClauses, req)
}

func (c *Client) AssessRisk(ctx context.Context, req Request) (Result, error) {
	return c.Do(ctx, AssessRisk, req)
}

// Ping checks the downstream health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := httpx.DoJSON(ctx, c.http, http.MethodGet, c.base+"/healthz", nil, nil)
	return err
}
