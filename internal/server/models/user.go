// Package models holds the records authd keeps about users and their
// refresh tokens.
package models

import "time"

// App metadata keys written by the server.
const (
	AppMetaRoles    = "roles"
	AppMetaProvider = "provider"
)

// User is an account. PasswordHash is empty for users that only ever
// signed in through an OAuth provider.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	UserMetadata map[string]any
	AppMetadata  map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Roles returns the role names stored in app metadata.
func (u *User) Roles() []string {
	var out []string
	switch v := u.AppMetadata[AppMetaRoles].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// HasRole reports whether role is among the stored roles.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// SetRoles replaces the stored roles.
func (u *User) SetRoles(roles []string) {
	if u.AppMetadata == nil {
		u.AppMetadata = map[string]any{}
	}
	u.AppMetadata[AppMetaRoles] = append([]string(nil), roles...)
}

// Clone returns a deep enough copy of u for callers to mutate metadata
// without touching the original.
func (u *User) Clone() *User {
	c := *u
	c.PasswordHash = append([]byte(nil), u.PasswordHash...)
	c.UserMetadata = cloneMap(u.UserMetadata)
	c.AppMetadata = cloneMap(u.AppMetadata)
	if roles, ok := u.AppMetadata[AppMetaRoles]; ok {
		switch v := roles.(type) {
		case []string:
			c.AppMetadata[AppMetaRoles] = append([]string(nil), v...)
		case []any:
			c.AppMetadata[AppMetaRoles] = append([]any(nil), v...)
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
