package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IVVI0927/AIgreement/pkg/gate"
	"github.com/IVVI0927/AIgreement/pkg/httpx"
	"github.com/IVVI0927/AIgreement/pkg/llmclient"
	"github.com/IVVI0927/AIgreement/pkg/retry"
	"github.com/IVVI0927/AIgreement/pkg/store"
)

// Analyzer performs one attempt against the analysis service.
type Analyzer interface {
	Do(ctx context.Context, op llmclient.Operation, req llmclient.Request) (llmclient.Result, error)
}

type Outcome struct {
	ContractID uuid.UUID
	Result     llmclient.Result
	FellBack   bool
	Cached     bool
}

type UploadResult struct {
	ContractID uuid.UUID `json:"contractId"`
	FileName   string    `json:"fileName"`
	FileType   string    `json:"fileType"`
	FileSize   int64     `json:"fileSize"`
	WordCount  int       `json:"wordCount"`
	Preview    string    `json:"extractedContent"`
	Message    string    `json:"message"`
}

type ContractDetail struct {
	store.Contract
	Analyses []store.Analysis `json:"analyses"`
}

type Option func(*Service)

// WithCache stores completed results for ttl, keyed by operation and a
// digest of the request. Fallback payloads are never cached.
func WithCache(c store.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithExtractor(e TextExtractor) Option {
	return func(s *Service) {
		if e != nil {
			s.extractor = e
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	outbound  *gate.OutboundGate
	analyzer  Analyzer
	contracts store.ContractStore
	cache     store.Cache
	cacheTTL  time.Duration
	extractor TextExtractor
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(outbound *gate.OutboundGate, analyzer Analyzer, contracts store.ContractStore, opts ...Option) *Service {
	if outbound == nil {
		outbound = gate.NewOutboundGate(nil, nil, nil)
	}
	s := &Service{
		outbound:  outbound,
		analyzer:  analyzer,
		contracts: contracts,
		cacheTTL:  time.Hour,
		extractor: PlainTextExtractor{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run validates req, persists the contract, and runs op through the
// outbound gate. Any CallError is answered with FallbackResult(op).
func (s *Service) Run(ctx context.Context, owner string, op llmclient.Operation, req Request) (Outcome, error) {
	if !op.Valid() {
		return Outcome{}, invalid("operation", "unknown analysis operation")
	}
	req.Normalize()
	var contract store.Contract
	if req.ContractID != "" {
		id, err := uuid.Parse(req.ContractID)
		if err != nil {
			return Outcome{}, invalid("contractId", "contractId must be a UUID")
		}
		if contract, err = s.contracts.GetContract(ctx, owner, id); err != nil {
			return Outcome{}, err
		}
		if req.Content == "" {
			req.Content = contract.Content
		}
		if req.Title == "" {
			req.Title = contract.Title
		}
		if req.ContractType == "" {
			req.ContractType = contract.ContractType
		}
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	if contract.ID == uuid.Nil {
		saved, err := s.contracts.SaveContract(ctx, store.Contract{
			OwnerID:      owner,
			Title:        req.Title,
			ContractType: req.ContractType,
			Content:      req.Content,
			FileSize:     int64(len(req.Content)),
			FileHash:     digest(req.Content),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("save contract: %w", err)
		}
		contract = saved
	}

	key := cacheKey(op, req)
	if res, ok := s.cached(ctx, key); ok {
		return Outcome{ContractID: contract.ID, Result: res, Cached: true}, nil
	}

	started := s.now()
	dreq := req.downstream()
	res, fellBack, err := gate.Call(ctx, s.outbound, llmclient.Dependency,
		func(ctx context.Context) (llmclient.Result, error) {
			return s.analyzer.Do(ctx, op, dreq)
		},
		func(context.Context, *retry.CallError) (llmclient.Result, error) {
			return FallbackResult(op), nil
		})
	if err != nil {
		return Outcome{}, err
	}
	if res.ProcessingTimeMS == 0 {
		res.ProcessingTimeMS = s.now().Sub(started).Milliseconds()
	}
	analysisID, perr := uuid.Parse(res.AnalysisID)
	if perr != nil {
		analysisID = uuid.New()
		res.AnalysisID = analysisID.String()
	}
	s.persist(ctx, contract.ID, analysisID, op, res, fellBack)
	if !fellBack {
		s.remember(ctx, key, res)
	}
	return Outcome{ContractID: contract.ID, Result: res, FellBack: fellBack}, nil
}

func (s *Service) persist(ctx context.Context, contractID, analysisID uuid.UUID, op llmclient.Operation, res llmclient.Result, fellBack bool) {
	raw, err := json.Marshal(res)
	if err != nil {
		s.logger.ErrorContext(ctx, "encode analysis result", "err", err)
		return
	}
	status := store.AnalysisCompleted
	if fellBack {
		status = store.AnalysisFallback
	}
	_, err = s.contracts.SaveAnalysis(ctx, store.Analysis{
		ID:               analysisID,
		ContractID:       contractID,
		Operation:        string(op),
		Status:           status,
		RiskLevel:        res.RiskLevel,
		Result:           raw,
		ProcessingTimeMS: res.ProcessingTimeMS,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "analysis not persisted",
			"contract_id", contractID.String(), "operation", string(op), "err", err,
			"correlation_id", httpx.CorrelationID(ctx))
	}
}

func (s *Service) cached(ctx context.Context, key string) (llmclient.Result, bool) {
	if s.cache == nil {
		return llmclient.Result{}, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			s.logger.WarnContext(ctx, "analysis cache read failed", "err", err)
		}
		return llmclient.Result{}, false
	}
	var res llmclient.Result
	if err := json.Unmarshal(raw, &res); err != nil || res.Status == "" {
		return llmclient.Result{}, false
	}
	return res, true
}

func (s *Service) remember(ctx context.Context, key string, res llmclient.Result) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "analysis cache write failed", "err", err)
	}
}

// Upload extracts text from an uploaded file and stores it as a draft
// contract. An empty title defaults to the file name without extension.
func (s *Service) Upload(ctx context.Context, owner, title, fileName string, data []byte) (UploadResult, error) {
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "." || fileName == "/" || fileName == "" {
		return UploadResult{}, invalid("file", "file name is required")
	}
	text, fileType, err := s.extractor.Extract(fileName, data)
	if err != nil {
		return UploadResult{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}
	req := Request{Title: title, Content: text, AnalysisDepth: "standard"}
	if err := req.Validate(); err != nil {
		return UploadResult{}, err
	}
	c, err := s.contracts.SaveContract(ctx, store.Contract{
		OwnerID:  owner,
		Title:    title,
		Content:  text,
		FileName: fileName,
		FileSize: int64(len(data)),
		FileHash: digest(string(data)),
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("save contract: %w", err)
	}
	return UploadResult{
		ContractID: c.ID,
		FileName:   fileName,
		FileType:   fileType,
		FileSize:   int64(len(data)),
		WordCount:  wordCount(text),
		Preview:    preview(text, 500),
		Message:    "File uploaded and text extracted successfully",
	}, nil
}

func (s *Service) List(ctx context.Context, owner string, limit int) ([]store.Contract, error) {
	return s.contracts.ListContracts(ctx, owner, limit)
}

// Get returns the owner's contract with its analyses. Unknown or malformed
// ids are reported as store.ErrNotFound.
func (s *Service) Get(ctx context.Context, owner, rawID string) (ContractDetail, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return ContractDetail{}, store.ErrNotFound
	}
	c, err := s.contracts.GetContract(ctx, owner, id)
	if err != nil {
		return ContractDetail{}, err
	}
	analyses, err := s.contracts.ListAnalyses(ctx, owner, id)
	if err != nil {
		return ContractDetail{}, err
	}
	if analyses == nil {
		analyses = []store.Analysis{}
	}
	return ContractDetail{Contract: c, Analyses: analyses}, nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func cacheKey(op llmclient.Operation, r Request) string {
	h := sha256.New()
	for _, part := range []string{r.Title, r.ContractType, r.AnalysisDepth,
		strconv.FormatBool(r.IncludeRiskAssessment), strconv.FormatBool(r.IncludeCompliance), r.Content} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return string(op) + ":" + hex.EncodeToString(h.Sum(nil))
}
