package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/google/uuid"
)

// MemoryRepository keeps accounts in process memory. A single mutex makes
// every UpdateFields a read-modify-write under one lock.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*models.Account
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*models.Account),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[account.Email]; ok {
		return nil, common.ErrConflict
	}

	a := account.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now

	r.byID[a.ID] = a
	r.byEmail[a.Email] = a.ID

	return a.Clone(), nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return a.Clone(), nil
}

func (r *MemoryRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryRepository) UpdateFields(ctx context.Context, id string, patch models.AccountPatch) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	if !patch.GuardsHold(a) {
		return nil, common.ErrStaleState
	}

	patch.Apply(a, r.now())
	return a.Clone(), nil
}
