// Package auth mints and verifies the HS256 access tokens handed out by
// authd.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access token payload: the standard claims plus the
// user's ID.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// GenerateToken signs a token for userID that expires validity after now.
// It also returns the expiry so callers can report it to clients.
func GenerateToken(userID string, secretKey []byte, now time.Time, validity time.Duration) (string, time.Time, error) {
	expires := now.Add(validity)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UserID: userID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expires, nil
}

// GetUserIDFromToken verifies tokenString and returns the user it was
// issued to. Expired tokens yield common.ErrTokenExpired; anything else
// that fails verification yields an error wrapping common.ErrInvalidToken.
func GetUserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}

	if !token.Valid || claims.UserID == "" {
		return "", common.ErrInvalidToken
	}

	return claims.UserID, nil
}
