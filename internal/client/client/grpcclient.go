package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	metastore "github.com/dmitrijs2005/authsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/dmitrijs2005/authsync/internal/session"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// API is the typed AuthService surface used by GRPCClient.
// *authpb.Client implements it.
type API interface {
	SignUp(ctx context.Context, req *authpb.SignUpRequest, opts ...grpc.CallOption) (*authpb.SignUpResponse, error)
	SignIn(ctx context.Context, req *authpb.SignInRequest, opts ...grpc.CallOption) (*authpb.SessionResponse, error)
	Refresh(ctx context.Context, req *authpb.RefreshRequest, opts ...grpc.CallOption) (*authpb.SessionResponse, error)
	GetUser(ctx context.Context, opts ...grpc.CallOption) (*authpb.UserResponse, error)
	UpdateUser(ctx context.Context, req *authpb.UpdateUserRequest, opts ...grpc.CallOption) (*authpb.UserResponse, error)
	SetRoles(ctx context.Context, req *authpb.SetRolesRequest, opts ...grpc.CallOption) (*authpb.UserResponse, error)
	SignOut(ctx context.Context, req *authpb.SignOutRequest, opts ...grpc.CallOption) error
	StartOAuth(ctx context.Context, req *authpb.StartOAuthRequest, opts ...grpc.CallOption) (*authpb.StartOAuthResponse, error)
	AwaitOAuth(ctx context.Context, req *authpb.AwaitOAuthRequest, opts ...grpc.CallOption) (*authpb.SessionResponse, error)
	Watch(ctx context.Context, opts ...grpc.CallOption) (authpb.EventStream, error)
	Ping(ctx context.Context, opts ...grpc.CallOption) (*authpb.PingResponse, error)
}

// Redirector sends the user to an OAuth authorization URL.
type Redirector func(ctx context.Context, url string) error

// expiryLeeway is how early a stored access token is treated as expired.
const expiryLeeway = 10 * time.Second

// Methods that never carry an access token.
var publicMethods = map[string]bool{
	authpb.SignUpMethod:     true,
	authpb.SignInMethod:     true,
	authpb.RefreshMethod:    true,
	authpb.StartOAuthMethod: true,
	authpb.AwaitOAuthMethod: true,
	authpb.PingMethod:       true,
}

type Option func(*GRPCClient)

func WithRedirector(r Redirector) Option {
	return func(c *GRPCClient) { c.redirect = r }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *GRPCClient) { c.requestTimeout = d }
}

func WithOAuthTimeout(d time.Duration) Option {
	return func(c *GRPCClient) { c.oauthTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *GRPCClient) { c.now = now }
}

// GRPCClient implements session.Backend against the authd gRPC service.
type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      API
	store       metastore.Repository
	logger      logging.Logger
	events      *dispatcher

	redirect       Redirector
	requestTimeout time.Duration
	oauthTimeout   time.Duration
	now            func() time.Time

	mu      sync.Mutex
	current *session.Session
	loaded  bool
	// gen changes whenever a different session becomes current, so stale
	// watch streams cannot clear a newer one.
	gen         uint64
	watchCancel context.CancelFunc
	closed      bool

	refreshMu sync.Mutex

	bg       context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

var _ session.Backend = (*GRPCClient)(nil)

// NewAuthClient dials endpointURL and returns a client that persists its
// session in store.
func NewAuthClient(endpointURL string, store metastore.Repository, logger logging.Logger, opts ...Option) (*GRPCClient, error) {
	c := newGRPCClient(nil, store, logger, opts...)
	c.endpointURL = endpointURL
	if err := c.InitGRPCClient(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newGRPCClient(api API, store metastore.Repository, logger logging.Logger, opts ...Option) *GRPCClient {
	if logger == nil {
		logger = logging.Nop{}
	}
	logger = logger.With("module", "auth_client")

	c := &GRPCClient{
		client:         api,
		store:          store,
		logger:         logger,
		events:         newDispatcher(logger),
		redirect:       func(context.Context, string) error { return nil },
		requestTimeout: 10 * time.Second,
		oauthTimeout:   5 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bg, c.bgCancel = context.WithCancel(context.Background())
	return c
}

func (c *GRPCClient) InitGRPCClient() error {
	conn, err := grpc.NewClient(c.endpointURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.endpointURL, err)
	}
	c.conn = conn
	c.client = authpb.NewClient(conn)
	return nil
}

// Close stops the watch stream and pending OAuth waits, drops undelivered
// events and closes the connection. It must not be called from an auth
// event handler.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bgCancel()
	c.wg.Wait()
	c.events.close()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// goBackground runs fn on a tracked goroutine unless the client is closed.
func (c *GRPCClient) goBackground(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *GRPCClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.AccessToken
}

func (c *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if publicMethods[method] {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	token := c.accessToken()
	err := invoker(withAccessToken(ctx, token), method, req, reply, cc, opts...)
	if !isTokenExpired(err) {
		return err
	}

	if rerr := c.refreshAfter(ctx, token); rerr != nil {
		return rerr
	}

	return invoker(withAccessToken(ctx, c.accessToken()), method, req, reply, cc, opts...)
}

func isTokenExpired(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unauthenticated && st.Message() == common.ErrTokenExpired.Error()
}

func (c *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", ErrUnauthorized, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrForbidden, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", ErrConflict, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, st.Message())
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}

// Ping reports whether the server answers.
func (c *GRPCClient) Ping(ctx context.Context) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.Ping(ctx)
	if err != nil {
		return c.mapError(err)
	}
	if resp.Status != authpb.StatusOK {
		return ErrUnavailable
	}
	return nil
}
