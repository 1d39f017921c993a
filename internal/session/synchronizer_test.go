package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/authsync/internal/identity"
	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchResult struct {
	sess *Session
	err  error
}

type fakeBackend struct {
	mu       sync.Mutex
	handler  Handler
	subs     int
	releases int

	// fetch, when set, makes GetCurrentSession block until a result arrives.
	fetch      chan fetchResult
	sess       *Session
	fetchErr   error
	fetchPanic bool

	signInUser  *identity.RawUser
	signInErr   error
	signInCalls int

	signUpRes   *SignUpResult
	signUpErr   error
	signUpCalls int

	oauthErr      error
	oauthProvider string

	signOutErr   error
	signOutCalls int
	signOutPanic bool
}

func (f *fakeBackend) GetCurrentSession(ctx context.Context) (*Session, error) {
	if f.fetchPanic {
		panic("storage exploded")
	}
	if f.fetch != nil {
		select {
		case r := <-f.fetch:
			return r.sess, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.sess, f.fetchErr
}

func (f *fakeBackend) OnAuthStateChange(h Handler) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	f.subs++
	return ReleaseFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.releases++
		f.handler = nil
	})
}

func (f *fakeBackend) SignInWithPassword(ctx context.Context, email, password string) (*identity.RawUser, error) {
	f.mu.Lock()
	f.signInCalls++
	f.mu.Unlock()
	return f.signInUser, f.signInErr
}

func (f *fakeBackend) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	f.mu.Lock()
	f.signUpCalls++
	f.mu.Unlock()
	return f.signUpRes, f.signUpErr
}

func (f *fakeBackend) SignInWithOAuth(ctx context.Context, provider string) error {
	f.mu.Lock()
	f.oauthProvider = provider
	f.mu.Unlock()
	return f.oauthErr
}

func (f *fakeBackend) SignOut(ctx context.Context) error {
	if f.signOutPanic {
		panic("network stack gone")
	}
	f.mu.Lock()
	f.signOutCalls++
	f.mu.Unlock()
	return f.signOutErr
}

// emit delivers an event the way a backend would. It returns false when no
// handler is registered.
func (f *fakeBackend) emit(kind EventKind, s *Session) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(kind, s)
	return true
}

func (f *fakeBackend) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func rawUser(id, email string, roles ...any) *identity.RawUser {
	return &identity.RawUser{
		ID:          id,
		Email:       email,
		AppMetadata: map[string]any{"roles": roles},
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sessionFor(u *identity.RawUser) *Session {
	return &Session{AccessToken: "at", RefreshToken: "rt", User: u}
}

func startSync(t *testing.T, b Backend, opts ...Option) (*Synchronizer, <-chan State) {
	t.Helper()
	s := New(b, logging.Nop{}, opts...)
	states := make(chan State, 64)
	s.Subscribe(func(st State) { states <- st })
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return s, states
}

func nextState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state")
	}
	return State{}
}

func waitReady(t *testing.T, s *Synchronizer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
}

func TestStart_WithSession_SetsUserAndSettles(t *testing.T) {
	b := &fakeBackend{sess: sessionFor(rawUser("u1", "alice@example.com", "admin"))}
	s := New(b, logging.Nop{})

	assert.False(t, s.Settled(), "not settled before start")
	s.Start(context.Background())
	defer s.Close()

	waitReady(t, s)
	st := s.Current()
	require.True(t, st.Settled)
	require.True(t, st.IsAuthenticated)
	require.NotNil(t, st.User)
	assert.Equal(t, "u1", st.User.ID)
	assert.Equal(t, "alice", st.User.Name)
	assert.Equal(t, []identity.Role{identity.RoleAdmin}, st.User.Roles)
}

func TestStart_NoSession_SettlesAbsent(t *testing.T) {
	s, _ := startSync(t, &fakeBackend{})
	waitReady(t, s)

	st := s.Current()
	assert.True(t, st.Settled)
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.User)
}

func TestStart_FetchError_SettlesAbsent(t *testing.T) {
	s, _ := startSync(t, &fakeBackend{fetchErr: errors.New("storage unavailable")})
	waitReady(t, s)

	assert.True(t, s.Settled())
	assert.Nil(t, s.User())
}

func TestStart_FetchPanic_StillSettles(t *testing.T) {
	s, _ := startSync(t, &fakeBackend{fetchPanic: true})
	waitReady(t, s)

	assert.True(t, s.Settled())
	assert.False(t, s.IsAuthenticated())
}

func TestStart_Twice_SubscribesOnce(t *testing.T) {
	b := &fakeBackend{}
	s, _ := startSync(t, b)
	s.Start(context.Background())
	waitReady(t, s)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 1, b.subs)
}

func TestRace_EventBeforeFetch_FetchWins(t *testing.T) {
	b := &fakeBackend{fetch: make(chan fetchResult)}
	s, states := startSync(t, b)

	require.True(t, b.emit(EventSignedIn, sessionFor(rawUser("A", "a@x.com"))))
	st := nextState(t, states)
	require.Equal(t, "A", st.User.ID)
	assert.False(t, st.Settled, "event does not settle the state")

	b.fetch <- fetchResult{sess: sessionFor(rawUser("B", "b@x.com"))}
	st = nextState(t, states)
	assert.True(t, st.Settled)
	assert.Equal(t, "B", st.User.ID)
	assert.Equal(t, "B", s.User().ID)
}

func TestRace_FetchBeforeEvent_EventWins(t *testing.T) {
	b := &fakeBackend{fetch: make(chan fetchResult)}
	s, states := startSync(t, b)

	b.fetch <- fetchResult{sess: sessionFor(rawUser("B", "b@x.com"))}
	st := nextState(t, states)
	require.Equal(t, "B", st.User.ID)

	require.True(t, b.emit(EventSignedIn, sessionFor(rawUser("A", "a@x.com"))))
	st = nextState(t, states)
	assert.Equal(t, "A", st.User.ID)
	assert.True(t, st.Settled)
	assert.Equal(t, "A", s.User().ID)
}

func TestRace_EventThenEmptyFetch_KeepsEventUser(t *testing.T) {
	b := &fakeBackend{fetch: make(chan fetchResult)}
	s, states := startSync(t, b)

	require.True(t, b.emit(EventSignedIn, sessionFor(rawUser("A", "a@x.com"))))
	nextState(t, states)

	b.fetch <- fetchResult{}
	st := nextState(t, states)
	assert.True(t, st.Settled)
	require.NotNil(t, st.User)
	assert.Equal(t, "A", s.User().ID)
}

func TestEvents_TransitionTable(t *testing.T) {
	b := &fakeBackend{}
	s, states := startSync(t, b)
	waitReady(t, s)
	nextState(t, states) // settle

	b.emit(EventSignedIn, sessionFor(rawUser("u1", "one@x.com")))
	assert.Equal(t, "u1", nextState(t, states).User.ID)

	updated := rawUser("u1", "one@x.com", "admin")
	updated.UserMetadata = map[string]any{"full_name": "Number One"}
	b.emit(EventUserUpdated, sessionFor(updated))
	st := nextState(t, states)
	assert.Equal(t, "Number One", st.User.Name)
	assert.True(t, st.HasRole(identity.RoleAdmin))

	b.emit(EventTokenRefreshed, sessionFor(rawUser("zzz", "z@x.com")))
	b.emit(EventInitialSession, nil)
	b.emit(EventKind("mfa-challenge-verified"), nil)
	assert.Equal(t, "u1", s.User().ID, "ignored kinds never write")

	b.emit(EventSignedOut, nil)
	st = nextState(t, states)
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.User)

	b.emit(EventSignedIn, sessionFor(rawUser("u2", "two@x.com")))
	assert.Equal(t, "u2", nextState(t, states).User.ID)

	b.emit(EventSignedIn, &Session{AccessToken: "at"})
	st = nextState(t, states)
	assert.Nil(t, st.User, "signed-in without a user clears the slot")

	select {
	case extra := <-states:
		t.Fatalf("unexpected extra state %+v", extra)
	default:
	}
}

func TestEvents_HandlerPanicDoesNotKillSubscription(t *testing.T) {
	var calls atomic.Int32
	mapper := &identity.Mapper{Now: func() time.Time {
		if calls.Add(1) == 1 {
			panic("clock broke")
		}
		return time.Unix(0, 0)
	}}
	b := &fakeBackend{}
	s, states := startSync(t, b, WithMapper(mapper))
	waitReady(t, s)
	nextState(t, states)

	require.NotPanics(t, func() {
		b.emit(EventSignedIn, sessionFor(rawUser("u1", "a@x.com")))
	})
	require.True(t, b.emit(EventSignedIn, sessionFor(rawUser("u2", "b@x.com"))))
	assert.Equal(t, "u2", nextState(t, states).User.ID)
}

func TestLogin(t *testing.T) {
	t.Run("success returns mapped user without touching state", func(t *testing.T) {
		b := &fakeBackend{signInUser: rawUser("u1", "alice@x.com", "admin", "user")}
		s, _ := startSync(t, b)
		waitReady(t, s)

		u := s.Login(context.Background(), "alice@x.com", "secret")
		require.NotNil(t, u)
		assert.Equal(t, "alice", u.Name)
		assert.Equal(t, []identity.Role{identity.RoleAdmin, identity.RoleUser}, u.Roles)
		assert.Nil(t, s.User(), "slot waits for the signed-in event")
	})

	t.Run("backend error returns nil", func(t *testing.T) {
		b := &fakeBackend{signInErr: errors.New("invalid login credentials")}
		s, _ := startSync(t, b)
		assert.Nil(t, s.Login(context.Background(), "a@x.com", "wrong"))
	})

	t.Run("empty password skips backend", func(t *testing.T) {
		b := &fakeBackend{signInUser: rawUser("u1", "a@x.com")}
		s, _ := startSync(t, b)
		assert.Nil(t, s.Login(context.Background(), "a@x.com", ""))
		assert.Equal(t, 0, b.signInCalls)
	})

	t.Run("no user in response", func(t *testing.T) {
		s, _ := startSync(t, &fakeBackend{})
		assert.Nil(t, s.Login(context.Background(), "a@x.com", "pw"))
	})
}

func TestSignUp(t *testing.T) {
	t.Run("prefers session user", func(t *testing.T) {
		b := &fakeBackend{signUpRes: &SignUpResult{
			User:    rawUser("bare", "bare@x.com"),
			Session: sessionFor(rawUser("sess", "sess@x.com", "admin")),
		}}
		s, _ := startSync(t, b)

		u := s.SignUp(context.Background(), "sess@x.com", "pw")
		require.NotNil(t, u)
		assert.Equal(t, "sess", u.ID)
		assert.True(t, u.HasRole(identity.RoleAdmin))
	})

	t.Run("bare user when confirmation pending", func(t *testing.T) {
		b := &fakeBackend{signUpRes: &SignUpResult{User: rawUser("bare", "bare@x.com")}}
		s, _ := startSync(t, b)

		u := s.SignUp(context.Background(), "bare@x.com", "pw")
		require.NotNil(t, u)
		assert.Equal(t, "bare", u.ID)
	})

	t.Run("error returns nil", func(t *testing.T) {
		s, _ := startSync(t, &fakeBackend{signUpErr: errors.New("user already registered")})
		assert.Nil(t, s.SignUp(context.Background(), "a@x.com", "pw"))
	})

	t.Run("missing password", func(t *testing.T) {
		b := &fakeBackend{}
		s, _ := startSync(t, b)
		assert.Nil(t, s.SignUp(context.Background(), "a@x.com", ""))
		assert.Equal(t, 0, b.signUpCalls)
	})

	t.Run("empty result", func(t *testing.T) {
		s, _ := startSync(t, &fakeBackend{})
		assert.Nil(t, s.SignUp(context.Background(), "a@x.com", "pw"))
	})
}

func TestLoginWithOAuth(t *testing.T) {
	b := &fakeBackend{}
	s, _ := startSync(t, b)

	assert.True(t, s.LoginWithOAuth(context.Background(), "google"))
	assert.Equal(t, "google", b.oauthProvider)
	assert.Nil(t, s.User())

	b.oauthErr = errors.New("provider not enabled")
	assert.False(t, s.LoginWithOAuth(context.Background(), "github"))

	assert.False(t, s.LoginWithOAuth(context.Background(), ""))
}

func TestLogout_FailureLeavesStateUntilSignedOutEvent(t *testing.T) {
	b := &fakeBackend{
		sess:       sessionFor(rawUser("u1", "a@x.com")),
		signOutErr: errors.New("network down"),
	}
	s, states := startSync(t, b)
	waitReady(t, s)
	nextState(t, states)

	var ok bool
	require.NotPanics(t, func() { ok = s.Logout(context.Background()) })
	assert.False(t, ok)
	assert.Equal(t, "u1", s.User().ID)

	b.signOutErr = nil
	assert.True(t, s.Logout(context.Background()))
	assert.NotNil(t, s.User(), "logout alone does not clear the slot")

	b.emit(EventSignedOut, nil)
	assert.Nil(t, nextState(t, states).User)
}

func TestLogout_PanicIsContained(t *testing.T) {
	s, _ := startSync(t, &fakeBackend{signOutPanic: true})
	var ok bool
	require.NotPanics(t, func() { ok = s.Logout(context.Background()) })
	assert.False(t, ok)
}

func TestHasRoleAndLandingRoute(t *testing.T) {
	b := &fakeBackend{}
	s, states := startSync(t, b)
	waitReady(t, s)
	nextState(t, states)

	assert.False(t, s.HasRole(identity.RoleUser))
	assert.Equal(t, RouteLogin, s.LandingRoute())

	b.emit(EventSignedIn, sessionFor(rawUser("u1", "a@x.com", "bogus")))
	nextState(t, states)
	assert.True(t, s.HasRole(identity.RoleUser))
	assert.False(t, s.HasRole(identity.RoleAdmin))
	assert.Equal(t, RouteDashboard, s.LandingRoute())

	b.emit(EventUserUpdated, sessionFor(rawUser("u1", "a@x.com", "admin")))
	nextState(t, states)
	assert.True(t, s.HasRole(identity.RoleAdmin))
	assert.Equal(t, RouteAdmin, s.LandingRoute())
}

func TestClose_ReleasesOnceAndIgnoresLateResults(t *testing.T) {
	b := &fakeBackend{fetch: make(chan fetchResult, 1)}
	s := New(b, logging.Nop{})
	s.Start(context.Background())

	s.Close()
	s.Close()
	assert.Equal(t, 1, b.releaseCount())

	b.fetch <- fetchResult{sess: sessionFor(rawUser("late", "l@x.com"))}
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, s.User())
	assert.False(t, s.Settled())

	err := s.WaitReady(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_BeforeStart(t *testing.T) {
	b := &fakeBackend{}
	s := New(b, logging.Nop{})
	s.Close()
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return b.releaseCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, b.emit(EventSignedIn, sessionFor(rawUser("u", "u@x.com"))))
}

func TestStartContextCancel_TearsDown(t *testing.T) {
	b := &fakeBackend{}
	s := New(b, logging.Nop{})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool { return b.releaseCount() == 1 }, time.Second, 10*time.Millisecond)
	s.Close()
	assert.Equal(t, 1, b.releaseCount())
}

func TestWaitReady_ContextDeadline(t *testing.T) {
	b := &fakeBackend{fetch: make(chan fetchResult)}
	s, _ := startSync(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitReady(ctx), context.DeadlineExceeded)

	select {
	case <-s.Ready():
		t.Fatal("ready must stay open while the fetch is pending")
	default:
	}
}

func TestSubscribe_OrderUnsubscribeAndPanics(t *testing.T) {
	b := &fakeBackend{}
	s := New(b, logging.Nop{})

	var seen []string
	var mu sync.Mutex
	done := make(chan struct{}, 8)
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		if st.User != nil {
			seen = append(seen, st.User.ID)
		} else {
			seen = append(seen, "-")
		}
		mu.Unlock()
		done <- struct{}{}
	})
	s.Subscribe(func(State) { panic("bad observer") })

	s.Start(context.Background())
	defer s.Close()
	<-done // settle

	b.emit(EventSignedIn, sessionFor(rawUser("a", "a@x.com")))
	<-done
	b.emit(EventSignedIn, sessionFor(rawUser("b", "b@x.com")))
	<-done

	unsubscribe()
	unsubscribe()
	b.emit(EventSignedOut, nil)

	assert.Eventually(t, func() bool { return s.User() == nil }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"-", "a", "b"}, seen)
}

func TestSession_Expired(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var nilSess *Session
	assert.False(t, nilSess.Expired(now, 0))
	assert.False(t, (&Session{}).Expired(now, time.Minute))
	assert.True(t, (&Session{ExpiresAt: now}).Expired(now, 0))
	assert.True(t, (&Session{ExpiresAt: now.Add(30 * time.Second)}).Expired(now, time.Minute))
	assert.False(t, (&Session{ExpiresAt: now.Add(2 * time.Minute)}).Expired(now, time.Minute))
}
