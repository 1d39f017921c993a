package session

import "github.com/dmitrijs2005/authsync/internal/identity"

// Landing routes handed out by LandingRoute.
const (
	RouteLogin     = "/login"
	RouteDashboard = "/dashboard"
	RouteAdmin     = "/admin"
)

// State is an immutable snapshot of the canonical identity slot.
type State struct {
	// IsAuthenticated is true exactly when User is non-nil.
	IsAuthenticated bool
	// User is nil when nobody is signed in.
	User *identity.User
	// Settled turns true once the initial session fetch has resolved.
	Settled bool
}

// HasRole reports whether the signed-in user holds r.
func (s State) HasRole(r identity.Role) bool {
	return s.User.HasRole(r)
}

// LandingRoute picks where a caller should send the user next.
func (s State) LandingRoute() string {
	switch {
	case s.User == nil:
		return RouteLogin
	case s.User.HasRole(identity.RoleAdmin):
		return RouteAdmin
	default:
		return RouteDashboard
	}
}
