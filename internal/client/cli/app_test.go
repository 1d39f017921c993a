package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/authsync/internal/client/client"
	"github.com/dmitrijs2005/authsync/internal/client/config"
	"github.com/dmitrijs2005/authsync/internal/cryptox"
	"github.com/dmitrijs2005/authsync/internal/identity"
	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/dmitrijs2005/authsync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*************
 * Fakes
 *************/

type fakeBackend struct {
	mu      sync.Mutex
	handler session.Handler

	current    *session.Session
	signInUser *identity.RawUser
	signInErr  error
	signUpRes  *session.SignUpResult
	oauthErr   error
	signOutErr error

	signInCalls int
}

func (f *fakeBackend) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeBackend) OnAuthStateChange(h session.Handler) session.Subscription {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return session.ReleaseFunc(func() {})
}

func (f *fakeBackend) emit(kind session.EventKind, s *session.Session) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(kind, s)
}

func (f *fakeBackend) SignInWithPassword(ctx context.Context, email, password string) (*identity.RawUser, error) {
	f.mu.Lock()
	f.signInCalls++
	u, err := f.signInUser, f.signInErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.emit(session.EventSignedIn, &session.Session{AccessToken: "A", User: u})
	return u, nil
}

func (f *fakeBackend) SignUp(ctx context.Context, email, password string) (*session.SignUpResult, error) {
	if f.signUpRes == nil {
		return nil, errors.New("sign-up disabled")
	}
	return f.signUpRes, nil
}

func (f *fakeBackend) SignInWithOAuth(ctx context.Context, provider string) error {
	return f.oauthErr
}

func (f *fakeBackend) SignOut(ctx context.Context) error {
	if f.signOutErr != nil {
		return f.signOutErr
	}
	f.emit(session.EventSignedOut, nil)
	return nil
}

type fakeAccount struct {
	user        *identity.RawUser
	err         error
	setRolesFor string
	setRoles    []identity.Role
	updated     map[string]any
	signOutAll  int
	closed      bool
}

func (f *fakeAccount) GetUser(ctx context.Context) (*identity.RawUser, error) { return f.user, f.err }
func (f *fakeAccount) UpdateUser(ctx context.Context, m map[string]any) (*identity.RawUser, error) {
	f.updated = m
	return f.user, f.err
}
func (f *fakeAccount) SetRoles(ctx context.Context, id string, roles []identity.Role) (*identity.RawUser, error) {
	f.setRolesFor, f.setRoles = id, roles
	return f.user, f.err
}
func (f *fakeAccount) SignOutEverywhere(ctx context.Context) error {
	f.signOutAll++
	return f.err
}
func (f *fakeAccount) Ping(ctx context.Context) error { return f.err }
func (f *fakeAccount) Close() error {
	f.closed = true
	return nil
}

/*************
 * Helpers
 *************/

func stubInputs(t *testing.T, answers []string, password string) {
	t.Helper()
	origST, origGP := getSimpleText, getPassword
	getSimpleText = func(_ *bufio.Reader, _ string, _ io.Writer) (string, error) {
		if len(answers) == 0 {
			return "", io.EOF
		}
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
	getPassword = func(_ io.Writer) ([]byte, error) { return []byte(password), nil }
	t.Cleanup(func() {
		getSimpleText = origST
		getPassword = origGP
	})
}

func newTestApp(t *testing.T, backend *fakeBackend, account *fakeAccount) *App {
	t.Helper()
	st := session.New(backend, nil)
	a := &App{
		config:  &config.Config{RequestTimeout: time.Second},
		state:   st,
		account: account,
		logger:  logging.Nop{},
		reader:  rdr(""),
		out:     io.Discard,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	st.Start(ctx)
	require.NoError(t, st.WaitReady(ctx))

	unsubscribe := a.watchState()
	t.Cleanup(func() {
		unsubscribe()
		st.Close()
	})
	return a
}

var (
	annRaw = &identity.RawUser{
		ID:           "u1",
		Email:        "ann@example.com",
		UserMetadata: map[string]any{"full_name": "Ann Lee"},
		AppMetadata:  map[string]any{"roles": []any{"user"}},
	}
	adminRaw = &identity.RawUser{
		ID:          "u0",
		Email:       "root@example.com",
		AppMetadata: map[string]any{"roles": []any{"admin", "user"}},
	}
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

/*************
 * Tests
 *************/

func TestLogin_SuccessShowsLandingAndStatus(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"root@example.com"}, "pw")
	a := newTestApp(t, &fakeBackend{signInUser: adminRaw}, &fakeAccount{})

	assert.Equal(t, "(guest)", a.getStatus())
	require.NoError(t, a.Login(context.Background()))

	assert.True(t, out.has("Welcome, root"))
	assert.True(t, out.has("Landing page: "+session.RouteAdmin))
	waitFor(t, func() bool { return a.getStatus() == "(root, admin)" })
	waitFor(t, func() bool { return out.has("Signed in as root@example.com") })
	assert.True(t, a.isLoggedIn())
}

func TestLogin_RegularUserLandsOnDashboard(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"ann@example.com"}, "pw")
	a := newTestApp(t, &fakeBackend{signInUser: annRaw}, &fakeAccount{})

	require.NoError(t, a.Login(context.Background()))
	assert.True(t, out.has("Landing page: "+session.RouteDashboard))
	waitFor(t, func() bool { return a.getStatus() == "(Ann Lee)" })
}

func TestLogin_EmptyPasswordNeverReachesBackend(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"ann@example.com"}, "")
	backend := &fakeBackend{signInUser: annRaw}
	a := newTestApp(t, backend, &fakeAccount{})

	require.NoError(t, a.Login(context.Background()))
	assert.True(t, out.has("Login failed"))
	assert.Zero(t, backend.signInCalls)
}

func TestLogin_BackendError(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"ann@example.com"}, "bad")
	a := newTestApp(t, &fakeBackend{signInErr: client.ErrUnauthorized}, &fakeAccount{})

	require.NoError(t, a.Login(context.Background()))
	assert.True(t, out.has("Login failed"))
	assert.False(t, a.isLoggedIn())
}

func TestLogin_EmptyEmailCancels(t *testing.T) {
	capturePrintln(t)
	stubInputs(t, []string{""}, "pw")
	backend := &fakeBackend{signInUser: annRaw}
	a := newTestApp(t, backend, &fakeAccount{})

	require.ErrorIs(t, a.Login(context.Background()), errCancelled)
	assert.Zero(t, backend.signInCalls)
}

func TestSignUp(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"ann@example.com"}, "pw")
	a := newTestApp(t, &fakeBackend{signUpRes: &session.SignUpResult{User: annRaw}}, &fakeAccount{})

	require.NoError(t, a.SignUp(context.Background()))
	assert.True(t, out.has("Account created for ann@example.com"))
	assert.False(t, a.isLoggedIn())
}

func TestSignUp_Failure(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"ann@example.com"}, "pw")
	a := newTestApp(t, &fakeBackend{}, &fakeAccount{})

	require.NoError(t, a.SignUp(context.Background()))
	assert.True(t, out.has("Sign-up failed"))
}

func TestOAuth(t *testing.T) {
	out := capturePrintln(t)

	a := newTestApp(t, &fakeBackend{}, &fakeAccount{})
	require.NoError(t, a.OAuth(context.Background(), "github"))
	assert.True(t, out.has("Waiting for github sign-in to complete..."))

	b := newTestApp(t, &fakeBackend{oauthErr: client.ErrInvalidArgument}, &fakeAccount{})
	require.NoError(t, b.OAuth(context.Background(), "myspace"))
	assert.True(t, out.has("Could not start myspace sign-in"))
}

func TestRedirect_PrintsURL(t *testing.T) {
	out := capturePrintln(t)
	a := &App{}

	require.NoError(t, a.redirect(context.Background(), "https://accounts.google.com/o/oauth2/auth?state=x"))
	assert.True(t, out.has("https://accounts.google.com/o/oauth2/auth?state=x"))
}

func TestLogout(t *testing.T) {
	out := capturePrintln(t)
	backend := &fakeBackend{current: &session.Session{User: annRaw}}
	a := newTestApp(t, backend, &fakeAccount{})
	require.True(t, a.isLoggedIn())

	require.NoError(t, a.Logout(context.Background()))
	waitFor(t, func() bool { return out.has("Signed out") })
	waitFor(t, func() bool { return !a.isLoggedIn() })
}

func TestLogout_FailureKeepsUser(t *testing.T) {
	out := capturePrintln(t)
	backend := &fakeBackend{current: &session.Session{User: annRaw}, signOutErr: client.ErrUnavailable}
	a := newTestApp(t, backend, &fakeAccount{})

	require.NoError(t, a.Logout(context.Background()))
	assert.True(t, out.has("Logout failed"))
	assert.True(t, a.isLoggedIn())
}

func TestLogoutAll(t *testing.T) {
	capturePrintln(t)
	account := &fakeAccount{}
	a := newTestApp(t, &fakeBackend{}, account)

	require.NoError(t, a.LogoutAll(context.Background()))
	assert.Equal(t, 1, account.signOutAll)

	account.err = client.ErrUnavailable
	require.ErrorIs(t, a.LogoutAll(context.Background()), client.ErrUnavailable)
}

func TestRolesChangePushedByServerIsReported(t *testing.T) {
	out := capturePrintln(t)
	backend := &fakeBackend{current: &session.Session{User: annRaw}}
	a := newTestApp(t, backend, &fakeAccount{})

	promoted := *annRaw
	promoted.AppMetadata = map[string]any{"roles": []any{"admin", "user"}}
	backend.emit(session.EventUserUpdated, &session.Session{User: &promoted})

	waitFor(t, func() bool { return out.has("Roles changed: admin, user") })
	waitFor(t, func() bool { return a.state.HasRole(identity.RoleAdmin) })
}

// commitOnSubscribe commits a sign-in while Subscribe runs, either just
// before the observer is registered or just after.
type commitOnSubscribe struct {
	authState
	mu      sync.Mutex
	current session.State
	after   bool
}

func (c *commitOnSubscribe) Current() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *commitOnSubscribe) Subscribe(fn func(session.State)) func() {
	signedIn := session.State{
		IsAuthenticated: true,
		User:            &identity.User{ID: "u1", Email: "ann@example.com"},
		Settled:         true,
	}
	c.mu.Lock()
	c.current = signedIn
	c.mu.Unlock()
	if c.after {
		fn(signedIn)
	}
	return func() {}
}

func TestWatchState_CommitDuringSubscribeReportedOnce(t *testing.T) {
	for _, after := range []bool{false, true} {
		name := "before observer registered"
		if after {
			name = "delivered to observer"
		}
		t.Run(name, func(t *testing.T) {
			out := capturePrintln(t)
			st := &commitOnSubscribe{current: session.State{Settled: true}, after: after}
			a := &App{state: st, logger: logging.Nop{}}

			a.watchState()

			n := 0
			for _, line := range out.all() {
				if line == "Signed in as ann@example.com" {
					n++
				}
			}
			assert.Equal(t, 1, n)
			assert.Equal(t, "u1", a.last.User.ID)
		})
	}
}

func TestWhoAmI(t *testing.T) {
	out := capturePrintln(t)

	guest := newTestApp(t, &fakeBackend{}, &fakeAccount{})
	require.NoError(t, guest.WhoAmI(context.Background()))
	assert.True(t, out.has("Not logged in"))

	ann := newTestApp(t, &fakeBackend{current: &session.Session{User: annRaw}}, &fakeAccount{})
	require.NoError(t, ann.WhoAmI(context.Background()))
	assert.True(t, out.has("Email:   ann@example.com"))
	assert.True(t, out.has("Roles:   user"))
}

func TestRoles_FetchesFromServer(t *testing.T) {
	out := capturePrintln(t)
	account := &fakeAccount{user: adminRaw}
	a := newTestApp(t, &fakeBackend{current: &session.Session{User: annRaw}}, account)

	require.NoError(t, a.Roles(context.Background()))
	assert.True(t, out.has("Roles: admin, user"))
}

func TestProfile_UpdatesFullName(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"Ann Marie Lee"}, "")
	account := &fakeAccount{user: annRaw}
	a := newTestApp(t, &fakeBackend{current: &session.Session{User: annRaw}}, account)

	require.NoError(t, a.Profile(context.Background()))
	assert.Equal(t, map[string]any{identity.MetaFullName: "Ann Marie Lee"}, account.updated)
	assert.True(t, out.has("Profile updated"))
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	out := capturePrintln(t)
	account := &fakeAccount{}
	a := newTestApp(t, &fakeBackend{current: &session.Session{User: annRaw}}, account)

	require.NoError(t, a.Admin(context.Background()))
	assert.True(t, out.has("Access denied: admin role required"))
	assert.Empty(t, account.setRolesFor)
}

func TestAdmin_AssignsRoles(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"u1", "admin, user"}, "")
	account := &fakeAccount{user: &identity.RawUser{
		ID:          "u1",
		Email:       "ann@example.com",
		AppMetadata: map[string]any{"roles": []any{"admin", "user"}},
	}}
	a := newTestApp(t, &fakeBackend{current: &session.Session{User: adminRaw}}, account)

	require.NoError(t, a.Admin(context.Background()))
	assert.Equal(t, "u1", account.setRolesFor)
	assert.Equal(t, []identity.Role{identity.RoleAdmin, identity.RoleUser}, account.setRoles)
	assert.True(t, out.has("ann@example.com now has roles: admin, user"))
}

func TestAdmin_RejectsUnknownRole(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"u1", "superuser"}, "")
	account := &fakeAccount{}
	a := newTestApp(t, &fakeBackend{current: &session.Session{User: adminRaw}}, account)

	require.NoError(t, a.Admin(context.Background()))
	assert.True(t, out.has("Unknown role: superuser"))
	assert.Empty(t, account.setRolesFor)
}

func TestAdmin_ServerForbids(t *testing.T) {
	out := capturePrintln(t)
	stubInputs(t, []string{"u1", "user"}, "")
	account := &fakeAccount{err: client.ErrForbidden}
	a := newTestApp(t, &fakeBackend{current: &session.Session{User: adminRaw}}, account)

	require.ErrorIs(t, a.Admin(context.Background()), client.ErrForbidden)
	assert.True(t, out.has("Access denied by server"))
}

func TestPing(t *testing.T) {
	out := capturePrintln(t)
	account := &fakeAccount{}
	a := newTestApp(t, &fakeBackend{}, account)

	require.NoError(t, a.Ping(context.Background()))
	assert.True(t, out.has("Server OK"))

	account.err = client.ErrUnavailable
	require.Error(t, a.Ping(context.Background()))
}

func TestGetStatus_Loading(t *testing.T) {
	a := &App{state: session.New(&fakeBackend{}, nil)}
	assert.Equal(t, "(loading)", a.getStatus())
}

func TestClose_ReleasesEverything(t *testing.T) {
	account := &fakeAccount{}
	a := &App{state: session.New(&fakeBackend{}, nil), account: account, logger: logging.Nop{}}

	a.close()
	assert.True(t, account.closed)
}

func TestNewApp_CreatesSealedStore(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SessionDBPath = filepath.Join(dir, "state", "session.db")
	cfg.SessionKeyPath = filepath.Join(dir, "state", "session.key")
	cfg.LogLevel = "error"

	a, err := NewApp(cfg)
	require.NoError(t, err)
	a.close()

	key, err := os.ReadFile(cfg.SessionKeyPath)
	require.NoError(t, err)
	assert.Len(t, key, cryptox.KeySize)
	assert.FileExists(t, cfg.SessionDBPath)
}

func TestNewApp_BadKeyFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SessionDBPath = filepath.Join(dir, "session.db")
	cfg.SessionKeyPath = filepath.Join(dir, "session.key")
	cfg.LogLevel = "error"
	require.NoError(t, os.WriteFile(cfg.SessionKeyPath, []byte("short"), 0o600))

	_, err := NewApp(cfg)
	require.Error(t, err)
}
