package models

import "time"

// RefreshToken is an opaque, single-use token that can be exchanged for a
// new token pair until Expires.
type RefreshToken struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Expires   time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
