// Package repomanager vends the user and refresh token repositories for
// the configured storage: PostgreSQL or process memory for users, and
// optionally Redis for refresh tokens.
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/authsync/internal/dbx"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/users"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// RepositoryManager hands out repositories bound to a connection or a
// transaction.
type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	// Conn is the shared handle to pass to Users and RefreshTokens outside
	// a transaction. It is nil for in-memory storage.
	Conn() dbx.DBTX
	Users(db dbx.DBTX) users.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	// WithTx runs fn in a transaction where the storage supports one and
	// directly otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
	Close() error
}

// sqlOpen is a seam for tests.
var sqlOpen = sql.Open

// Open connects the storage described by dsn and redisAddr. An empty dsn
// keeps users in memory; an empty redisAddr keeps refresh tokens next to
// the users. PostgreSQL migrations are applied before returning.
func Open(ctx context.Context, dsn, redisAddr string) (RepositoryManager, error) {
	var rc *redis.Client
	if redisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	if dsn == "" {
		return NewInMemoryRepositoryManager(rc), nil
	}

	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		closeRedis(rc)
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		closeRedis(rc)
		return nil, fmt.Errorf("db ping: %w", err)
	}

	m := NewPostgresRepositoryManager(db, rc)
	if err := m.RunMigrations(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("db migrations: %w", err)
	}
	return m, nil
}

func closeRedis(rc *redis.Client) {
	if rc != nil {
		_ = rc.Close()
	}
}
