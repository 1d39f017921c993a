package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/session"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

/*************
 * Fake API
 *************/

type fakeAPI struct {
	mu sync.Mutex

	signUpFn     func(*authpb.SignUpRequest) (*authpb.SignUpResponse, error)
	signInFn     func(*authpb.SignInRequest) (*authpb.SessionResponse, error)
	refreshFn    func(*authpb.RefreshRequest) (*authpb.SessionResponse, error)
	getUserFn    func() (*authpb.UserResponse, error)
	updateUserFn func(*authpb.UpdateUserRequest) (*authpb.UserResponse, error)
	setRolesFn   func(*authpb.SetRolesRequest) (*authpb.UserResponse, error)
	signOutFn    func(*authpb.SignOutRequest) error
	startFn      func(*authpb.StartOAuthRequest) (*authpb.StartOAuthResponse, error)
	awaitFn      func(context.Context, *authpb.AwaitOAuthRequest) (*authpb.SessionResponse, error)
	watchFn      func(context.Context) (authpb.EventStream, error)
	pingFn       func() (*authpb.PingResponse, error)

	refreshCalls int
	signOutReqs  []*authpb.SignOutRequest
	watchTokens  []string
}

func (f *fakeAPI) SignUp(ctx context.Context, req *authpb.SignUpRequest, _ ...grpc.CallOption) (*authpb.SignUpResponse, error) {
	return f.signUpFn(req)
}

func (f *fakeAPI) SignIn(ctx context.Context, req *authpb.SignInRequest, _ ...grpc.CallOption) (*authpb.SessionResponse, error) {
	return f.signInFn(req)
}

func (f *fakeAPI) Refresh(ctx context.Context, req *authpb.RefreshRequest, _ ...grpc.CallOption) (*authpb.SessionResponse, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	return f.refreshFn(req)
}

func (f *fakeAPI) GetUser(ctx context.Context, _ ...grpc.CallOption) (*authpb.UserResponse, error) {
	return f.getUserFn()
}

func (f *fakeAPI) UpdateUser(ctx context.Context, req *authpb.UpdateUserRequest, _ ...grpc.CallOption) (*authpb.UserResponse, error) {
	return f.updateUserFn(req)
}

func (f *fakeAPI) SetRoles(ctx context.Context, req *authpb.SetRolesRequest, _ ...grpc.CallOption) (*authpb.UserResponse, error) {
	return f.setRolesFn(req)
}

func (f *fakeAPI) SignOut(ctx context.Context, req *authpb.SignOutRequest, _ ...grpc.CallOption) error {
	f.mu.Lock()
	f.signOutReqs = append(f.signOutReqs, req)
	f.mu.Unlock()
	return f.signOutFn(req)
}

func (f *fakeAPI) StartOAuth(ctx context.Context, req *authpb.StartOAuthRequest, _ ...grpc.CallOption) (*authpb.StartOAuthResponse, error) {
	return f.startFn(req)
}

func (f *fakeAPI) AwaitOAuth(ctx context.Context, req *authpb.AwaitOAuthRequest, _ ...grpc.CallOption) (*authpb.SessionResponse, error) {
	return f.awaitFn(ctx, req)
}

func (f *fakeAPI) Watch(ctx context.Context, _ ...grpc.CallOption) (authpb.EventStream, error) {
	f.mu.Lock()
	f.watchTokens = append(f.watchTokens, tokenFrom(ctx))
	fn := f.watchFn
	f.mu.Unlock()
	if fn == nil {
		return &blockingStream{ctx: ctx}, nil
	}
	return fn(ctx)
}

func (f *fakeAPI) Ping(ctx context.Context, _ ...grpc.CallOption) (*authpb.PingResponse, error) {
	return f.pingFn()
}

func (f *fakeAPI) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func tokenFrom(ctx context.Context) string {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(common.AccessTokenHeaderName); len(v) > 0 {
		return v[0]
	}
	return ""
}

// blockingStream yields nothing until ctx ends.
type blockingStream struct{ ctx context.Context }

func (s *blockingStream) Recv() (*authpb.Event, error) {
	<-s.ctx.Done()
	return nil, s.ctx.Err()
}

// chanStream yields events pushed on ch, then blocks until ctx ends.
type chanStream struct {
	ctx context.Context
	ch  chan *authpb.Event
}

func (s *chanStream) Recv() (*authpb.Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

/*************
 * Fake metadata store
 *************/

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return v, nil
}

// Set and Delete fail on a done ctx, as database/sql does.
func (m *memStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

/*************
 * Event recording
 *************/

type recorded struct {
	kind    session.EventKind
	session *session.Session
}

func record(t *testing.T, c *GRPCClient) <-chan recorded {
	t.Helper()
	ch := make(chan recorded, 64)
	sub := c.OnAuthStateChange(func(kind session.EventKind, s *session.Session) {
		ch <- recorded{kind: kind, session: s}
	})
	t.Cleanup(sub.Release)

	ev := nextEvent(t, ch)
	require.Equal(t, session.EventInitialSession, ev.kind)
	return ch
}

func nextEvent(t *testing.T, ch <-chan recorded) recorded {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth event")
		return recorded{}
	}
}

func noEvent(t *testing.T, ch <-chan recorded) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected auth event %q", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

/*************
 * Fixtures
 *************/

var (
	fixedNow   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errBoom    = errors.New("boom")
	wireUserU1 = &authpb.User{
		ID:          "u1",
		Email:       "ann@example.com",
		AppMetadata: map[string]any{"roles": []any{"user"}},
		CreatedAt:   "2024-01-01T00:00:00Z",
	}
)

func wireSession(access, refresh string, expiresIn time.Duration) *authpb.Session {
	return &authpb.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    fixedNow.Add(expiresIn).Unix(),
		User:         wireUserU1,
	}
}

func newTestClient(t *testing.T, api *fakeAPI, store *memStore, opts ...Option) *GRPCClient {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	c := newGRPCClient(api, store, nil, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
