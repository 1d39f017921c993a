package identity

import (
	"slices"
	"time"
)

// Metadata keys read from backend records.
const (
	MetaFullName = "full_name"
	MetaName     = "name"
	MetaRoles    = "roles"
)

// DefaultName is used when a record carries no usable name hint or email.
const DefaultName = "User"

// User is the application's view of the authenticated person.
// Values are replaced wholesale, never modified after mapping.
type User struct {
	ID        string
	Email     string
	Name      string
	Roles     []Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRole reports whether r is among the user's roles.
func (u *User) HasRole(r Role) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.Roles, r)
}

// RawUser is a user record as the auth backend hands it out. Zero
// timestamps mean the backend did not supply them.
type RawUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
