package repomanager

import (
	"context"

	"github.com/dmitrijs2005/authsync/internal/dbx"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/users"
	"github.com/redis/go-redis/v9"
)

// InMemoryRepositoryManager keeps users in memory. Refresh tokens go to
// Redis when a client is given.
type InMemoryRepositoryManager struct {
	users         *users.MemoryRepository
	refreshTokens refreshtokens.Repository
	redis         *redis.Client
}

// NewInMemoryRepositoryManager builds a manager with empty stores. rc may
// be nil.
func NewInMemoryRepositoryManager(rc *redis.Client) *InMemoryRepositoryManager {
	m := &InMemoryRepositoryManager{users: users.NewMemoryRepository(), redis: rc}
	if rc != nil {
		m.refreshTokens = refreshtokens.NewRedisRepository(rc, "")
	} else {
		m.refreshTokens = refreshtokens.NewMemoryRepository()
	}
	return m
}

func (m *InMemoryRepositoryManager) RunMigrations(ctx context.Context) error { return nil }

func (m *InMemoryRepositoryManager) Conn() dbx.DBTX { return nil }

func (m *InMemoryRepositoryManager) Users(dbx.DBTX) users.Repository { return m.users }

func (m *InMemoryRepositoryManager) RefreshTokens(dbx.DBTX) refreshtokens.Repository {
	return m.refreshTokens
}

func (m *InMemoryRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return fn(ctx, nil)
}

func (m *InMemoryRepositoryManager) Close() error {
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}
