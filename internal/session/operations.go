package session

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/authsync/internal/identity"
)

// Login signs in with email and password and returns the mapped user, or
// nil when the password is missing or the backend refuses. The canonical
// State changes only when the backend's signed-in event arrives.
func (s *Synchronizer) Login(ctx context.Context, email, password string) *identity.User {
	if password == "" {
		s.logger.Warn(ctx, "password is required for email login")
		return nil
	}

	var user *identity.User
	s.call(ctx, "login", func() error {
		raw, err := s.backend.SignInWithPassword(ctx, email, password)
		if err != nil {
			return err
		}
		if raw != nil {
			u := s.mapper.Map(*raw)
			user = &u
		}
		return nil
	})
	return user
}

// SignUp creates an account and returns the mapped user. When the backend
// returns both a session and the created user, the session's user is used.
// It returns nil when the password is missing or the backend refuses.
func (s *Synchronizer) SignUp(ctx context.Context, email, password string) *identity.User {
	if password == "" {
		s.logger.Warn(ctx, "password is required for email sign up")
		return nil
	}

	var user *identity.User
	s.call(ctx, "sign up", func() error {
		res, err := s.backend.SignUp(ctx, email, password)
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		if u := s.mapSession(res.Session); u != nil {
			user = u
			return nil
		}
		if res.User != nil {
			u := s.mapper.Map(*res.User)
			user = &u
		}
		return nil
	})
	return user
}

// LoginWithOAuth starts an OAuth sign-in with the named provider. The
// backend redirects the user out of band; the signed-in event arrives later.
// It reports whether the backend accepted the request.
func (s *Synchronizer) LoginWithOAuth(ctx context.Context, provider string) bool {
	if provider == "" {
		s.logger.Warn(ctx, "oauth provider is required")
		return false
	}
	return s.call(ctx, provider+" sign in", func() error {
		return s.backend.SignInWithOAuth(ctx, provider)
	})
}

// Logout asks the backend to end the session and reports whether it
// accepted. The State is cleared by the signed-out event, not by this call.
func (s *Synchronizer) Logout(ctx context.Context) bool {
	return s.call(ctx, "logout", func() error {
		return s.backend.SignOut(ctx)
	})
}

// call runs fn, logging a returned error or a panic. It reports whether fn
// completed without either.
func (s *Synchronizer) call(ctx context.Context, op string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Sprintf("exception during %s", op), "panic", r)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error(ctx, fmt.Sprintf("%s error", op), "error", err)
		return false
	}
	return true
}
