package users

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/google/uuid"
)

// MemoryRepository keeps users in process memory. It hands out copies, so
// callers never share state with the store.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.User
	byEmail map[string]string
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[user.Email]; ok {
		return nil, common.ErrorAlreadyExists
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	r.byID[user.ID] = user.Clone()
	r.byEmail[user.Email] = user.ID
	return user, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return u.Clone(), nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[user.ID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	src := user.Clone()
	next := cur.Clone()
	next.UserMetadata = src.UserMetadata
	next.AppMetadata = src.AppMetadata
	next.UpdatedAt = user.UpdatedAt
	r.byID[user.ID] = next
	return user, nil
}
