package client

import (
	"maps"
	"time"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/identity"
	"github.com/dmitrijs2005/authsync/internal/session"
)

func toRawUser(u *authpb.User) *identity.RawUser {
	if u == nil {
		return nil
	}
	return &identity.RawUser{
		ID:           u.ID,
		Email:        u.Email,
		UserMetadata: u.UserMetadata,
		AppMetadata:  u.AppMetadata,
		CreatedAt:    authpb.ParseTime(u.CreatedAt),
		UpdatedAt:    authpb.ParseTime(u.UpdatedAt),
	}
}

func toSession(s *authpb.Session) *session.Session {
	if s == nil {
		return nil
	}
	out := &session.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		User:         toRawUser(s.User),
	}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	}
	return out
}

// cloneSession returns a copy subscribers may keep. Metadata maps are
// copied one level deep.
func cloneSession(s *session.Session) *session.Session {
	if s == nil {
		return nil
	}
	out := *s
	out.User = cloneUser(s.User)
	return &out
}

func cloneUser(u *identity.RawUser) *identity.RawUser {
	if u == nil {
		return nil
	}
	out := *u
	out.UserMetadata = maps.Clone(u.UserMetadata)
	out.AppMetadata = maps.Clone(u.AppMetadata)
	return &out
}
