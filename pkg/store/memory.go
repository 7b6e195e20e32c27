package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryContracts is the ContractStore used when no database is configured
// and in tests.
type MemoryContracts struct {
	mu        sync.RWMutex
	contracts map[uuid.UUID]Contract
	analyses  map[uuid.UUID][]Analysis
	now       func() time.Time
}

func NewMemoryContracts(now func() time.Time) *MemoryContracts {
	if now == nil {
		now = time.Now
	}
	return &MemoryContracts{
		contracts: map[uuid.UUID]Contract{},
		analyses:  map[uuid.UUID][]Analysis{},
		now:       now,
	}
}

func (m *MemoryContracts) SaveContract(_ context.Context, c Contract) (Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
		c.CreatedAt = now
	} else if prev, ok := m.contracts[c.ID]; ok {
		if prev.OwnerID != c.OwnerID {
			return Contract{}, ErrNotFound
		}
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = now
	}
	if c.Status == "" {
		c.Status = ContractDraft
	}
	c.UpdatedAt = now
	m.contracts[c.ID] = c
	return c, nil
}

func (m *MemoryContracts) GetContract(_ context.Context, ownerID string, id uuid.UUID) (Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok || c.OwnerID != ownerID {
		return Contract{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryContracts) ListContracts(_ context.Context, ownerID string, limit int) ([]Contract, error) {
	m.mu.RLock()
	out := make([]Contract, 0)
	for _, c := range m.contracts {
		if c.OwnerID == ownerID {
			c.Content = ""
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryContracts) SaveAnalysis(_ context.Context, a Analysis) (Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[a.ContractID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = m.now().UTC()
	m.analyses[a.ContractID] = append(m.analyses[a.ContractID], a)
	if a.Status == AnalysisCompleted {
		c.Status = ContractAnalyzed
		c.UpdatedAt = a.CreatedAt
		m.contracts[c.ID] = c
	}
	return a, nil
}

func (m *MemoryContracts) ListAnalyses(_ context.Context, ownerID string, contractID uuid.UUID) ([]Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[contractID]
	if !ok || c.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return append([]Analysis(nil), m.analyses[contractID]...), nil
}

type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{users: map[string]User{}}
	for _, u := range users {
		_, _ = m.CreateUser(context.Background(), u)
	}
	return m
}

func (m *MemoryUsers) FindByUsername(_ context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryUsers) CreateUser(_ context.Context, u User) (User, error) {
	key := strings.ToLower(strings.TrimSpace(u.Username))
	if key == "" {
		return User{}, ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[key]; ok {
		return User{}, ErrDuplicate
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Roles = append([]string(nil), u.Roles...)
	m.users[key] = u
	return u, nil
}
