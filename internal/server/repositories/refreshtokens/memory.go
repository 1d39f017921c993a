package refreshtokens

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/server/models"
)

// MemoryRepository keeps refresh tokens in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]models.RefreshToken
	now    func() time.Time
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]models.RefreshToken), now: time.Now}
}

func (r *MemoryRepository) Create(ctx context.Context, userID string, token string, validity time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens[token] = models.RefreshToken{UserID: userID, Token: token, Expires: now.Add(validity), CreatedAt: now}
	return nil
}

func (r *MemoryRepository) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.tokens[token]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &rt, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[token]; !ok {
		return common.ErrorNotFound
	}
	delete(r.tokens, token)
	return nil
}

func (r *MemoryRepository) DeleteByUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, rt := range r.tokens {
		if rt.UserID == userID {
			delete(r.tokens, token)
		}
	}
	return nil
}
