// Package users declares the user store contract and its PostgreSQL and
// in-memory implementations.
package users

import (
	"context"

	"github.com/dmitrijs2005/authsync/internal/server/models"
)

// Repository persists users. Lookups of absent users return
// common.ErrorNotFound; creating a duplicate email returns
// common.ErrorAlreadyExists.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	// Update stores the user's metadata and UpdatedAt.
	Update(ctx context.Context, user *models.User) (*models.User, error)
}
