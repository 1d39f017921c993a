// Package identity translates backend user records into the application's
// internal identity model.
package identity

// Role is a member of the closed set of application roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Roles lists every valid Role in declaration order.
var Roles = []Role{RoleUser, RoleAdmin}

// ParseRole reports whether v is exactly the value of a known Role.
// Anything else, including non-string values, is rejected.
func ParseRole(v any) (Role, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

func (r Role) String() string { return string(r) }
