package repomanager

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dmitrijs2005/authsync/internal/dbx"
	"github.com/dmitrijs2005/authsync/internal/server/migrations"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/users"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
)

// PostgresRepositoryManager vends PostgreSQL-backed repositories. When a
// Redis client is set, refresh tokens live there instead.
type PostgresRepositoryManager struct {
	db    *sql.DB
	redis *redis.Client
}

// NewPostgresRepositoryManager constructs a manager over db. rc may be nil.
func NewPostgresRepositoryManager(db *sql.DB, rc *redis.Client) *PostgresRepositoryManager {
	return &PostgresRepositoryManager{db: db, redis: rc}
}

func (m *PostgresRepositoryManager) Conn() dbx.DBTX {
	return m.db
}

// Users returns a users.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

// RefreshTokens returns the Redis repository when configured, otherwise a
// PostgreSQL one bound to the provided DBTX.
func (m *PostgresRepositoryManager) RefreshTokens(db dbx.DBTX) refreshtokens.Repository {
	if m.redis != nil {
		return refreshtokens.NewRedisRepository(m.redis, "")
	}
	return refreshtokens.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, m.db, nil, fn)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, m.db, ".")
}

func (m *PostgresRepositoryManager) Close() error {
	var errs []error
	if m.redis != nil {
		errs = append(errs, m.redis.Close())
	}
	errs = append(errs, m.db.Close())
	return errors.Join(errs...)
}
