package session

import (
	"context"
	"time"

	"github.com/dmitrijs2005/authsync/internal/identity"
)

// EventKind names an auth state change reported by the backend.
type EventKind string

const (
	EventInitialSession   EventKind = "initial-session"
	EventSignedIn         EventKind = "signed-in"
	EventSignedOut        EventKind = "signed-out"
	EventTokenRefreshed   EventKind = "token-refreshed"
	EventUserUpdated      EventKind = "user-updated"
	EventPasswordRecovery EventKind = "password-recovery"
)

// Session is the backend's view of an authenticated session.
type Session struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	ExpiresAt    time.Time         `json:"expires_at"`
	User         *identity.RawUser `json:"user,omitempty"`
}

// Expired reports whether the access token is expired at now, treating
// tokens that expire within leeway as already expired. A zero ExpiresAt
// never expires.
func (s *Session) Expired(now time.Time, leeway time.Duration) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(s.ExpiresAt)
}

// SignUpResult carries what the backend returned for a new account. Session
// is nil when the backend requires confirmation before signing in.
type SignUpResult struct {
	User    *identity.RawUser
	Session *Session
}

// Handler receives auth state changes. s may be nil.
type Handler func(kind EventKind, s *Session)

// Subscription is a registered Handler.
type Subscription interface {
	// Release stops delivery. Releasing twice has no effect.
	Release()
}

// ReleaseFunc adapts a function to Subscription.
type ReleaseFunc func()

func (f ReleaseFunc) Release() { f() }

// Backend is the auth capability the synchronizer depends on.
//
// Implementations must be safe for concurrent use. Handlers registered with
// OnAuthStateChange may be invoked from any goroutine.
type Backend interface {
	GetCurrentSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(h Handler) Subscription
	SignInWithPassword(ctx context.Context, email, password string) (*identity.RawUser, error)
	SignUp(ctx context.Context, email, password string) (*SignUpResult, error)
	SignInWithOAuth(ctx context.Context, provider string) error
	SignOut(ctx context.Context) error
}
