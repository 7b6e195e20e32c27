package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	ErrInvalid   = errors.New("invalid record")
)

type ContractStatus string

const (
	ContractDraft    ContractStatus = "DRAFT"
	ContractAnalyzed ContractStatus = "ANALYZED"
)

type Contract struct {
	ID           uuid.UUID      `json:"id"`
	OwnerID      string         `json:"ownerId"`
	Title        string         `json:"title"`
	ContractType string         `json:"contractType,omitempty"`
	Content      string         `json:"content,omitempty"`
	FileName     string         `json:"fileName,omitempty"`
	FileSize     int64          `json:"fileSize,omitempty"`
	FileHash     string         `json:"fileHash,omitempty"`
	Status       ContractStatus `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type AnalysisStatus string

const (
	AnalysisCompleted AnalysisStatus = "COMPLETED"
	AnalysisFallback  AnalysisStatus = "FALLBACK"
)

type Analysis struct {
	ID               uuid.UUID       `json:"id"`
	ContractID       uuid.UUID       `json:"contractId"`
	Operation        string          `json:"operation"`
	Status           AnalysisStatus  `json:"status"`
	RiskLevel        string          `json:"riskLevel,omitempty"`
	Result           json.RawMessage `json:"result"`
	ProcessingTimeMS int64           `json:"processingTimeMs"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ContractStore persists contracts and their analyses. Reads are scoped to
// the owning subject.
type ContractStore interface {
	SaveContract(ctx context.Context, c Contract) (Contract, error)
	GetContract(ctx context.Context, ownerID string, id uuid.UUID) (Contract, error)
	ListContracts(ctx context.Context, ownerID string, limit int) ([]Contract, error)
	SaveAnalysis(ctx context.Context, a Analysis) (Analysis, error)
	ListAnalyses(ctx context.Context, ownerID string, contractID uuid.UUID) ([]Analysis, error)
}

type UserStore interface {
	FindByUsername(ctx context.Context, username string) (User, error)
	CreateUser(ctx context.Context, u User) (User, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
