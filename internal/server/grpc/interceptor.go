package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// protectedMethods need a valid access token.
var protectedMethods = map[string]bool{
	authpb.GetUserMethod:    true,
	authpb.UpdateUserMethod: true,
	authpb.SetRolesMethod:   true,
	authpb.SignOutMethod:    true,
	authpb.WatchMethod:      true,
}

func userIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// authenticate checks the access token in the incoming metadata and
// returns ctx carrying the caller's user ID.
func (s *GRPCServer) authenticate(ctx context.Context) (context.Context, error) {
	var accessToken string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(common.AccessTokenHeaderName)
		if len(values) > 0 {
			accessToken = values[0]
		}
	}
	if len(accessToken) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	userID, err := s.users.UserIDFromToken(accessToken)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}

	return context.WithValue(ctx, userIDKey, userID), nil
}

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {

	if protectedMethods[info.FullMethod] {
		var err error
		ctx, err = s.authenticate(ctx)
		if err != nil {
			return nil, err
		}
	}

	return handler(ctx, req)
}

// authStream swaps the context of a server stream.
type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (a *authStream) Context() context.Context { return a.ctx }

func (s *GRPCServer) streamAccessTokenInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {

	if protectedMethods[info.FullMethod] {
		ctx, err := s.authenticate(ss.Context())
		if err != nil {
			return err
		}
		ss = &authStream{ServerStream: ss, ctx: ctx}
	}

	return handler(srv, ss)
}

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug(ctx, "rpc", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}
