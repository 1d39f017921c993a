package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/server/events"
	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/dmitrijs2005/authsync/internal/server/services"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func toUser(u *models.User) *authpb.User {
	if u == nil {
		return nil
	}
	c := u.Clone()
	return &authpb.User{
		ID:           c.ID,
		Email:        c.Email,
		UserMetadata: c.UserMetadata,
		AppMetadata:  c.AppMetadata,
		CreatedAt:    authpb.FormatTime(c.CreatedAt),
		UpdatedAt:    authpb.FormatTime(c.UpdatedAt),
	}
}

func toSession(u *models.User, p *services.TokenPair) *authpb.Session {
	if p == nil {
		return nil
	}
	return &authpb.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    p.ExpiresAt.Unix(),
		User:         toUser(u),
	}
}

// toStatus translates service errors into gRPC status errors.
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrorValidation), errors.Is(err, common.ErrUnknownProvider):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrorAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, common.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
	case errors.Is(err, common.ErrorUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrRefreshTokenExpired):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, common.ErrorForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, common.ErrFlowExpired):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.logger.Error(ctx, "request failed", "error", err)
	return status.Error(codes.Internal, "internal error")
}

func (s *GRPCServer) reply(v any) (*structpb.Struct, error) {
	out, err := authpb.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if err := authpb.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func (s *GRPCServer) SignUp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req authpb.SignUpRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	user, pair, err := s.users.SignUp(ctx, req.Email, req.Password, req.UserMetadata)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	s.logger.Info(ctx, "Registered", "user_id", user.ID, "confirmed", pair != nil)
	return s.reply(&authpb.SignUpResponse{User: toUser(user), Session: toSession(user, pair)})
}

func (s *GRPCServer) SignIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req authpb.SignInRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	user, pair, err := s.users.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	s.logger.Info(ctx, "Signed in", "user_id", user.ID)
	return s.reply(&authpb.SessionResponse{Session: toSession(user, pair)})
}

func (s *GRPCServer) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req authpb.RefreshRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh_token is required")
	}

	user, pair, err := s.users.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(&authpb.SessionResponse{Session: toSession(user, pair)})
}

func (s *GRPCServer) GetUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(&authpb.UserResponse{User: toUser(user)})
}

func (s *GRPCServer) UpdateUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	var req authpb.UpdateUserRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	user, err := s.users.UpdateUser(ctx, userID, req.UserMetadata)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(&authpb.UserResponse{User: toUser(user)})
}

func (s *GRPCServer) SetRoles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actorID, ok := userIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	var req authpb.SetRolesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}

	user, err := s.users.SetRoles(ctx, actorID, req.UserID, req.Roles)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	s.logger.Info(ctx, "Roles changed", "actor_id", actorID, "user_id", user.ID, "roles", user.Roles())
	return s.reply(&authpb.UserResponse{User: toUser(user)})
}

func (s *GRPCServer) SignOut(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	var req authpb.SignOutRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	if err := s.users.SignOut(ctx, userID, req.RefreshToken, req.Scope); err != nil {
		return nil, s.toStatus(ctx, err)
	}

	s.logger.Info(ctx, "Signed out", "user_id", userID, "scope", req.Scope)
	return s.reply(&authpb.Empty{})
}

func (s *GRPCServer) StartOAuth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req authpb.StartOAuthRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	url, flowID, err := s.oauth.StartOAuth(ctx, req.Provider)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(&authpb.StartOAuthResponse{URL: url, FlowID: flowID})
}

func (s *GRPCServer) AwaitOAuth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req authpb.AwaitOAuthRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.FlowID == "" {
		return nil, status.Error(codes.InvalidArgument, "flow_id is required")
	}

	user, pair, err := s.oauth.AwaitOAuth(ctx, req.FlowID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(&authpb.SessionResponse{Session: toSession(user, pair)})
}

// Watch streams account events of the caller until the client goes away,
// the user signs out everywhere, or the server shuts down.
func (s *GRPCServer) Watch(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	userID, ok := userIDFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing token")
	}

	ch, cancel := s.hub.Subscribe(userID)
	defer cancel()
	s.logger.Debug(ctx, "watch opened", "user_id", userID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopping:
			return status.Error(codes.Unavailable, "server shutting down")
		case ev, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "watch interrupted")
			}
			out, err := authpb.Encode(&authpb.Event{Kind: string(ev.Kind), User: toUser(ev.User)})
			if err != nil {
				return status.Error(codes.Internal, "encode event")
			}
			if err := stream.Send(out); err != nil {
				return err
			}
			if ev.Kind == events.KindSignedOut {
				return nil
			}
		}
	}
}

func (s *GRPCServer) Ping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {

	return s.reply(&authpb.PingResponse{Status: authpb.StatusOK})

}
