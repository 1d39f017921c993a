package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/authsync/internal/client/client"
	"github.com/dmitrijs2005/authsync/internal/client/config"
	"github.com/dmitrijs2005/authsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/cryptox"
	"github.com/dmitrijs2005/authsync/internal/filex"
	"github.com/dmitrijs2005/authsync/internal/identity"
	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/dmitrijs2005/authsync/internal/session"
)

// authState is the part of *session.Synchronizer the CLI uses.
type authState interface {
	Start(ctx context.Context)
	Close()
	WaitReady(ctx context.Context) error
	Current() session.State
	HasRole(role identity.Role) bool
	Subscribe(fn func(session.State)) (unsubscribe func())
	Login(ctx context.Context, email, password string) *identity.User
	SignUp(ctx context.Context, email, password string) *identity.User
	LoginWithOAuth(ctx context.Context, provider string) bool
	Logout(ctx context.Context) bool
}

// accountAPI covers the account calls that go past the synchronizer.
// *client.GRPCClient implements it.
type accountAPI interface {
	GetUser(ctx context.Context) (*identity.RawUser, error)
	UpdateUser(ctx context.Context, userMetadata map[string]any) (*identity.RawUser, error)
	SetRoles(ctx context.Context, userID string, roles []identity.Role) (*identity.RawUser, error)
	SignOutEverywhere(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type App struct {
	config  *config.Config
	state   authState
	account accountAPI
	logger  logging.Logger
	reader  *bufio.Reader
	out     io.Writer
	db      *sql.DB

	mu   sync.Mutex
	last session.State
}

func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()

	logger := logging.NewText(os.Stderr, c.LogLevel)

	if err := filex.EnsureParentDir(c.SessionDBPath); err != nil {
		return nil, err
	}

	key, err := filex.ReadOrCreateKey(c.SessionKeyPath, cryptox.KeySize)
	if err != nil {
		logger.Error(ctx, "error loading session key", "error", err)
		return nil, err
	}
	defer common.WipeByteArray(key)

	db, err := client.InitDatabase(ctx, c.SessionDBPath)
	if err != nil {
		logger.Error(ctx, "error initializing database", "error", err)
		return nil, err
	}

	store, err := metadata.NewSealedRepository(metadata.NewSQLiteRepository(db), key)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		config: c,
		logger: logger,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		db:     db,
	}

	api, err := client.NewAuthClient(c.ServerEndpointAddr, store, logger,
		client.WithRedirector(a.redirect),
		client.WithRequestTimeout(c.RequestTimeout),
		client.WithOAuthTimeout(c.OAuthTimeout),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a.account = api
	a.state = session.New(api, logger)
	return a, nil
}

// Run starts session synchronization, waits for the stored session to be
// restored and runs the REPL until the user exits or ctx ends.
func (a *App) Run(ctx context.Context) {
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.state.Start(ctx)

	readyCtx, readyCancel := context.WithTimeout(ctx, a.config.RequestTimeout+time.Second)
	if err := a.state.WaitReady(readyCtx); err != nil {
		a.logger.Warn(ctx, "session restore did not finish", "error", err)
	}
	readyCancel()

	unsubscribe := a.watchState()
	defer unsubscribe()

	if err := a.account.Ping(ctx); err != nil {
		a.logger.Warn(ctx, "auth server is not reachable", "addr", a.config.ServerEndpointAddr, "error", err)
	}

	printlnFn("Welcome to authsync (type 'help' for commands)")
	printlnFn("Landing page:", a.state.Current().LandingRoute())

	runREPL(ctx, a, a.getStatus, bufio.NewScanner(a.reader))
}

func (a *App) close() {
	a.state.Close()
	if err := a.account.Close(); err != nil {
		a.logger.Warn(context.Background(), "closing auth client", "error", err)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (a *App) isLoggedIn() bool {
	return a.state.Current().IsAuthenticated
}

func (a *App) getStatus() string {
	st := a.state.Current()
	switch {
	case !st.Settled:
		return "(loading)"
	case st.User == nil:
		return "(guest)"
	case st.User.HasRole(identity.RoleAdmin):
		return fmt.Sprintf("(%s, admin)", st.User.Name)
	default:
		return fmt.Sprintf("(%s)", st.User.Name)
	}
}

// watchState subscribes onStateChange. A commit landing between the
// first read of the state and Subscribe is caught by the second read.
func (a *App) watchState() (unsubscribe func()) {
	a.mu.Lock()
	a.last = a.state.Current()
	a.mu.Unlock()

	unsubscribe = a.state.Subscribe(a.onStateChange)
	a.mu.Lock()
	a.report(a.state.Current())
	a.mu.Unlock()
	return unsubscribe
}

func (a *App) onStateChange(st session.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report(st)
}

// report prints transitions of the signed-in user. a.mu must be held.
func (a *App) report(st session.State) {
	prev := a.last
	a.last = st

	switch {
	case prev.User == nil && st.User != nil:
		printlnFn("Signed in as", st.User.Email)
	case prev.User != nil && st.User == nil:
		printlnFn("Signed out")
	case prev.User != nil && st.User != nil && prev.User.ID != st.User.ID:
		printlnFn("Signed in as", st.User.Email)
	case prev.User != nil && st.User != nil && !slices.Equal(prev.User.Roles, st.User.Roles):
		printlnFn("Roles changed:", formatRoles(st.User.Roles))
	}
}

// redirect is the OAuth redirector: a terminal cannot open the page
// itself, so the URL is shown to the user.
func (a *App) redirect(_ context.Context, url string) error {
	printlnFn("Open this URL in your browser to continue:")
	printlnFn(url)
	return nil
}

func formatRoles(roles []identity.Role) string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.String())
	}
	return strings.Join(names, ", ")
}
