package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

type PGContracts struct{ db DB }

func NewPGContracts(db DB) *PGContracts { return &PGContracts{db: db} }

const contractColumns = `id, owner_id, title, contract_type, content, file_name, file_size, file_hash, status, created_at, updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	var status string
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.ContractType, &c.Content, &c.FileName, &c.FileSize, &c.FileHash, &status, &c.CreatedAt, &c.UpdatedAt)
	c.Status = ContractStatus(status)
	return c, err
}

func (s *PGContracts) SaveContract(ctx context.Context, c Contract) (Contract, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = ContractDraft
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO contracts (`+contractColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now(), now())
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  contract_type = EXCLUDED.contract_type,
  content = EXCLUDED.content,
  file_name = EXCLUDED.file_name,
  file_size = EXCLUDED.file_size,
  file_hash = EXCLUDED.file_hash,
  status = EXCLUDED.status,
  updated_at = now()
WHERE contracts.owner_id = EXCLUDED.owner_id
RETURNING `+contractColumns,
		c.ID, c.OwnerID, c.Title, c.ContractType, c.Content, c.FileName, c.FileSize, c.FileHash, string(c.Status))
	out, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, fmt.Errorf("save contract: %w", err)
	}
	return out, nil
}

func (s *PGContracts) GetContract(ctx context.Context, ownerID string, id uuid.UUID) (Contract, error) {
	row := s.db.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 AND owner_id = $2`, id, ownerID)
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, fmt.Errorf("get contract: %w", err)
	}
	return c, nil
}

func (s *PGContracts) ListContracts(ctx context.Context, ownerID string, limit int) ([]Contract, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, owner_id, title, contract_type, '' AS content, file_name, file_size, file_hash, status, created_at, updated_at
FROM contracts WHERE owner_id = $1
ORDER BY created_at DESC, id
LIMIT $2`, ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()
	out := make([]Contract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("list contracts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGContracts) SaveAnalysis(ctx context.Context, a Analysis) (Analysis, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx, `
INSERT INTO contract_analyses (id, contract_id, operation, status, risk_level, result, processing_time_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7, now())
RETURNING created_at`,
		a.ID, a.ContractID, a.Operation, string(a.Status), a.RiskLevel, a.Result, a.ProcessingTimeMS).Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Analysis{}, ErrNotFound
		}
		return Analysis{}, fmt.Errorf("save analysis: %w", err)
	}
	if a.Status == AnalysisCompleted {
		if _, err := s.db.Exec(ctx, `UPDATE contracts SET status = $2, updated_at = now() WHERE id = $1`, a.ContractID, string(ContractAnalyzed)); err != nil {
			return Analysis{}, fmt.Errorf("mark contract analyzed: %w", err)
		}
	}
	return a, nil
}

func (s *PGContracts) ListAnalyses(ctx context.Context, ownerID string, contractID uuid.UUID) ([]Analysis, error) {
	if _, err := s.GetContract(ctx, ownerID, contractID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
SELECT id, contract_id, operation, status, risk_level, result, processing_time_ms, created_at
FROM contract_analyses WHERE contract_id = $1 ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()
	var out []Analysis
	for rows.Next() {
		var a Analysis
		var status string
		if err := rows.Scan(&a.ID, &a.ContractID, &a.Operation, &status, &a.RiskLevel, &a.Result, &a.ProcessingTimeMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("list analyses: %w", err)
		}
		a.Status = AnalysisStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

type PGUsers struct{ db DB }

func NewPGUsers(db DB) *PGUsers { return &PGUsers{db: db} }

func (s *PGUsers) FindByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
SELECT id, username, password_hash, roles, disabled, created_at
FROM users WHERE lower(username) = lower($1)`, strings.TrimSpace(username)).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Roles, &u.Disabled, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (s *PGUsers) CreateUser(ctx context.Context, u User) (User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" || u.PasswordHash == "" {
		return User{}, ErrInvalid
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Roles == nil {
		u.Roles = []string{}
	}
	err := s.db.QueryRow(ctx, `
INSERT INTO users (id, username, password_hash, roles, disabled, created_at)
VALUES ($1,$2,$3,$4,$5, now())
RETURNING created_at`, u.ID, u.Username, u.PasswordHash, u.Roles, u.Disabled).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrDuplicate
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}
