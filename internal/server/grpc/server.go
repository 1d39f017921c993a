package grpc

import (
	"context"
	"net"
	"sync"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/dmitrijs2005/authsync/internal/server/events"
	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/dmitrijs2005/authsync/internal/server/services"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// UserService is the account logic the handlers call into.
type UserService interface {
	UserIDFromToken(token string) (string, error)
	SignUp(ctx context.Context, email, password string, meta map[string]any) (*models.User, *services.TokenPair, error)
	SignIn(ctx context.Context, email, password string) (*models.User, *services.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*models.User, *services.TokenPair, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	UpdateUser(ctx context.Context, userID string, meta map[string]any) (*models.User, error)
	SetRoles(ctx context.Context, actorID, targetID string, roles []string) (*models.User, error)
	SignOut(ctx context.Context, userID, refreshToken, scope string) error
}

// OAuthService starts and collects provider sign-in flows.
type OAuthService interface {
	StartOAuth(ctx context.Context, provider string) (url string, flowID string, err error)
	AwaitOAuth(ctx context.Context, flowID string) (*models.User, *services.TokenPair, error)
}

// Watchers hands out per-user event subscriptions.
type Watchers interface {
	Subscribe(userID string) (<-chan events.Event, func())
}

type GRPCServer struct {
	authpb.UnimplementedAuthServiceServer
	address string
	users   UserService
	oauth   OAuthService
	hub     Watchers
	logger  logging.Logger

	// stopping is closed on shutdown so Watch streams end and
	// GracefulStop can return.
	stopping chan struct{}
	stopOnce sync.Once
}

func NewGRPCServer(a string, l logging.Logger, us UserService, os OAuthService, hub Watchers) *GRPCServer {
	return &GRPCServer{
		address: a,
		logger:  l.With("module", "grpc_server"),
		users:   us,
		oauth:   os,
		hub:     hub,

		stopping: make(chan struct{}),
	}
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamAccessTokenInterceptor),
	)
	authpb.RegisterAuthServiceServer(srv, s)
	return srv
}

// Run listens on the configured address and serves until ctx ends.
func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newServer()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Stopping gRPC server...")
			s.stopOnce.Do(func() { close(s.stopping) })
			srv.GracefulStop()
		case <-stopped:
		}
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}
