package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/identity"
	"github.com/dmitrijs2005/authsync/internal/session"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OnAuthStateChange registers h. It first receives an initial-session
// event with whatever session is currently held in memory.
func (c *GRPCClient) OnAuthStateChange(h session.Handler) session.Subscription {
	c.mu.Lock()
	cur := cloneSession(c.current)
	c.mu.Unlock()

	return c.events.subscribe(h, cur)
}

// GetCurrentSession returns the stored session, refreshing it first when
// the access token has expired. A session whose refresh is rejected is
// dropped and (nil, nil) is returned.
func (c *GRPCClient) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	cur, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, nil
	}

	if cur.Expired(c.now(), expiryLeeway) {
		if err := c.refreshAfter(ctx, cur.AccessToken); err != nil {
			c.mu.Lock()
			gone := c.current == nil
			c.mu.Unlock()
			if gone {
				return nil, nil
			}
			return nil, err
		}
	}

	c.mu.Lock()
	out := cloneSession(c.current)
	c.mu.Unlock()

	if out != nil {
		c.ensureWatch()
	}
	return out, nil
}

// load reads the persisted session into memory the first time it is
// called.
func (c *GRPCClient) load(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	if c.loaded {
		cur := c.current
		c.mu.Unlock()
		return cur, nil
	}
	c.mu.Unlock()

	data, err := c.store.Get(ctx, common.MetadataKeySession)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var stored *session.Session
	if len(data) > 0 {
		stored = &session.Session{}
		if err := json.Unmarshal(data, stored); err != nil {
			c.logger.Warn(ctx, "discarding unreadable stored session", "error", err)
			_ = c.store.Delete(ctx, common.MetadataKeySession)
			stored = nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.loaded = true
		c.current = stored
		if stored != nil {
			c.gen++
		}
	}
	return c.current, nil
}

func (c *GRPCClient) SignInWithPassword(ctx context.Context, email, password string) (*identity.RawUser, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.SignIn(ctx, &authpb.SignInRequest{Email: email, Password: password})
	if err != nil {
		return nil, c.mapError(err)
	}
	s := toSession(resp.Session)
	if s == nil {
		return nil, fmt.Errorf("sign in: empty session in response")
	}

	c.signIn(ctx, s)
	return cloneUser(s.User), nil
}

func (c *GRPCClient) SignUp(ctx context.Context, email, password string) (*session.SignUpResult, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.SignUp(ctx, &authpb.SignUpRequest{Email: email, Password: password})
	if err != nil {
		return nil, c.mapError(err)
	}

	result := &session.SignUpResult{User: toRawUser(resp.User)}
	if s := toSession(resp.Session); s != nil {
		c.signIn(ctx, s)
		result.Session = cloneSession(s)
	}
	return result, nil
}

// SignOut ends the local session on the server and locally. On failure the
// session is kept and no event is emitted.
func (c *GRPCClient) SignOut(ctx context.Context) error {
	return c.signOut(ctx, authpb.ScopeLocal)
}

// SignOutEverywhere revokes every session of the user, on all devices.
func (c *GRPCClient) SignOutEverywhere(ctx context.Context) error {
	return c.signOut(ctx, authpb.ScopeGlobal)
}

func (c *GRPCClient) signOut(ctx context.Context, scope string) error {
	cur, err := c.load(ctx)
	if err != nil {
		return err
	}
	if cur != nil {
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()

		err := c.client.SignOut(callCtx, &authpb.SignOutRequest{RefreshToken: cur.RefreshToken, Scope: scope})
		if err != nil && status.Code(err) != codes.Unauthenticated {
			return c.mapError(err)
		}
	}

	c.clear(ctx, 0)
	c.events.emit(session.EventSignedOut, nil)
	return nil
}

// GetUser fetches the signed-in user from the server.
func (c *GRPCClient) GetUser(ctx context.Context) (*identity.RawUser, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.GetUser(ctx)
	if err != nil {
		return nil, c.mapError(err)
	}
	return toRawUser(resp.User), nil
}

// UpdateUser replaces the signed-in user's metadata.
func (c *GRPCClient) UpdateUser(ctx context.Context, userMetadata map[string]any) (*identity.RawUser, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.UpdateUser(callCtx, &authpb.UpdateUserRequest{UserMetadata: userMetadata})
	if err != nil {
		return nil, c.mapError(err)
	}
	u := toRawUser(resp.User)
	c.updateUser(ctx, u, 0)
	return cloneUser(u), nil
}

// SetRoles replaces the roles of userID. Only admins may call it.
func (c *GRPCClient) SetRoles(ctx context.Context, userID string, roles []identity.Role) (*identity.RawUser, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.String())
	}

	resp, err := c.client.SetRoles(ctx, &authpb.SetRolesRequest{UserID: userID, Roles: names})
	if err != nil {
		return nil, c.mapError(err)
	}
	return toRawUser(resp.User), nil
}

// signIn makes s current, persists it, announces signed-in and (re)starts
// the watch stream.
func (c *GRPCClient) signIn(ctx context.Context, s *session.Session) {
	c.mu.Lock()
	c.current = s
	c.loaded = true
	c.gen++
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	snapshot := cloneSession(s)
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.events.emit(session.EventSignedIn, snapshot)
	c.ensureWatch()
}

// clear drops the current session. A non-zero gen limits the clear to that
// session generation.
func (c *GRPCClient) clear(ctx context.Context, gen uint64) bool {
	c.mu.Lock()
	if gen != 0 && gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.loaded = true
	c.gen++
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	c.mu.Unlock()

	// ctx may belong to the watch stream cancelled above.
	if err := c.store.Delete(context.WithoutCancel(ctx), common.MetadataKeySession); err != nil {
		c.logger.Error(ctx, "failed to delete stored session", "error", err)
	}
	return true
}

// updateUser swaps the user of the current session and announces
// user-updated. It is a no-op when u belongs to someone else.
func (c *GRPCClient) updateUser(ctx context.Context, u *identity.RawUser, gen uint64) {
	if u == nil {
		return
	}
	c.mu.Lock()
	if c.current == nil || (gen != 0 && gen != c.gen) || (c.current.User != nil && c.current.User.ID != u.ID) {
		c.mu.Unlock()
		return
	}
	next := *c.current
	next.User = u
	c.current = &next
	snapshot := cloneSession(&next)
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.events.emit(session.EventUserUpdated, snapshot)
}

func (c *GRPCClient) persist(ctx context.Context, s *session.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Error(ctx, "failed to encode session", "error", err)
		return
	}
	if err := c.store.Set(ctx, common.MetadataKeySession, data); err != nil {
		c.logger.Error(ctx, "failed to store session", "error", err)
	}
}

// refreshAfter exchanges the refresh token when the current access token
// is still stale. Concurrent callers that saw the same stale token refresh
// only once. A rejected refresh token ends the session.
func (c *GRPCClient) refreshAfter(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	cur := c.current
	gen := c.gen
	c.mu.Unlock()

	if cur == nil {
		return ErrNoSession
	}
	if cur.AccessToken != stale {
		return nil
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.Refresh(callCtx, &authpb.RefreshRequest{RefreshToken: cur.RefreshToken})
	if err != nil {
		code := status.Code(err)
		if code == codes.Unauthenticated || code == codes.NotFound {
			c.logger.Info(ctx, "refresh token rejected, signing out", "error", err)
			if c.clear(ctx, gen) {
				c.events.emit(session.EventSignedOut, nil)
			}
		}
		return c.mapError(err)
	}

	next := toSession(resp.Session)
	if next == nil {
		return fmt.Errorf("refresh: empty session in response")
	}
	if next.User == nil {
		next.User = cur.User
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.current = next
	snapshot := cloneSession(next)
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.events.emit(session.EventTokenRefreshed, snapshot)
	c.ensureWatch()
	return nil
}

// sessionGen reports whether a session is current and is generation gen.
func (c *GRPCClient) sessionGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.gen == gen
}
