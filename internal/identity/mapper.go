package identity

import (
	"strings"
	"time"
)

// Mapper converts RawUser records into User values. The zero value is
// ready to use and reads the wall clock.
type Mapper struct {
	// Now supplies the fallback timestamp for records without one.
	Now func() time.Time
}

var defaultMapper = &Mapper{}

// Map converts raw using the wall clock for missing timestamps.
func Map(raw RawUser) User {
	return defaultMapper.Map(raw)
}

// Map builds a User from raw. It never fails: missing or malformed fields
// fall back to defaults.
func (m *Mapper) Map(raw RawUser) User {
	now := m.now()

	created := raw.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := raw.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	return User{
		ID:        raw.ID,
		Email:     raw.Email,
		Name:      deriveName(raw),
		Roles:     deriveRoles(raw.AppMetadata),
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

func (m *Mapper) now() time.Time {
	if m == nil || m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func deriveName(raw RawUser) string {
	if s := metaString(raw.UserMetadata, MetaFullName); s != "" {
		return s
	}
	if s := metaString(raw.UserMetadata, MetaName); s != "" {
		return s
	}
	if local, _, _ := strings.Cut(raw.Email, "@"); local != "" {
		return local
	}
	return DefaultName
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

// deriveRoles keeps the known roles from app metadata in their original
// order and falls back to RoleUser when none survive.
func deriveRoles(meta map[string]any) []Role {
	var values []any
	switch v := meta[MetaRoles].(type) {
	case []any:
		values = v
	case []string:
		values = make([]any, len(v))
		for i, s := range v {
			values[i] = s
		}
	}

	roles := make([]Role, 0, len(values))
	for _, v := range values {
		if r, ok := ParseRole(v); ok {
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		return []Role{RoleUser}
	}
	return roles
}
