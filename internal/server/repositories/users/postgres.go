package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/dbx"
	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresRepository implements Repository over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts user, assigning a new ID when it has none.
func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	userMeta, appMeta, err := marshalMetadata(user)
	if err != nil {
		return nil, err
	}

	query :=
		`INSERT INTO users (id, email, password_hash, user_metadata, app_metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `

	_, err = r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.PasswordHash, userMeta, appMeta, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, common.ErrorAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

// GetByID returns the user with the given ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query :=
		`SELECT id, email, password_hash, user_metadata, app_metadata, created_at, updated_at FROM users
		 WHERE id = $1
		 `
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail returns the user registered under email.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query :=
		`SELECT id, email, password_hash, user_metadata, app_metadata, created_at, updated_at FROM users
		 WHERE email = $1
		 `
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

// Update writes the user's metadata and UpdatedAt.
func (r *PostgresRepository) Update(ctx context.Context, user *models.User) (*models.User, error) {
	userMeta, appMeta, err := marshalMetadata(user)
	if err != nil {
		return nil, err
	}

	query :=
		`UPDATE users SET user_metadata = $2, app_metadata = $3, updated_at = $4
		 WHERE id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, user.ID, userMeta, appMeta, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return nil, common.ErrorNotFound
	}

	return user, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var userMeta, appMeta []byte

	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &userMeta, &appMeta, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if err := unmarshalMetadata(userMeta, &user.UserMetadata); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(appMeta, &user.AppMetadata); err != nil {
		return nil, err
	}
	return user, nil
}

func marshalMetadata(user *models.User) ([]byte, []byte, error) {
	userMeta, err := json.Marshal(orEmpty(user.UserMetadata))
	if err != nil {
		return nil, nil, fmt.Errorf("encode user_metadata: %w", err)
	}
	appMeta, err := json.Marshal(orEmpty(user.AppMetadata))
	if err != nil {
		return nil, nil, fmt.Errorf("encode app_metadata: %w", err)
	}
	return userMeta, appMeta, nil
}

func unmarshalMetadata(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		*dst = map[string]any{}
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
