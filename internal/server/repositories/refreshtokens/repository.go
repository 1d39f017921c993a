// Package refreshtokens declares the refresh token store contract and its
// PostgreSQL, Redis and in-memory implementations.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/authsync/internal/server/models"
)

// Repository issues, looks up and revokes refresh tokens.
type Repository interface {
	// Create stores token for userID with an expiry of now+validity.
	Create(ctx context.Context, userID string, token string, validity time.Duration) error

	// Find returns the token's record or common.ErrorNotFound.
	Find(ctx context.Context, token string) (*models.RefreshToken, error)

	// Delete removes token. It returns common.ErrorNotFound when token was
	// not there, so of two concurrent deletes only one succeeds.
	Delete(ctx context.Context, token string) error

	// DeleteByUser revokes every token of userID.
	DeleteByUser(ctx context.Context, userID string) error
}
