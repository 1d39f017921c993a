// Package authpb describes the authsync.v1.AuthService gRPC API.
//
// The service has no .proto file: every request and response is a
// google.protobuf.Struct, so the standard proto codec carries it. Typed
// messages in messages.go are converted with Encode and Decode.
package authpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "authsync.v1.AuthService"

const (
	SignUpMethod     = "/authsync.v1.AuthService/SignUp"
	SignInMethod     = "/authsync.v1.AuthService/SignIn"
	RefreshMethod    = "/authsync.v1.AuthService/Refresh"
	GetUserMethod    = "/authsync.v1.AuthService/GetUser"
	UpdateUserMethod = "/authsync.v1.AuthService/UpdateUser"
	SetRolesMethod   = "/authsync.v1.AuthService/SetRoles"
	SignOutMethod    = "/authsync.v1.AuthService/SignOut"
	StartOAuthMethod = "/authsync.v1.AuthService/StartOAuth"
	AwaitOAuthMethod = "/authsync.v1.AuthService/AwaitOAuth"
	WatchMethod      = "/authsync.v1.AuthService/Watch"
	PingMethod       = "/authsync.v1.AuthService/Ping"
)

// AuthServiceClient is the client API for AuthService.
type AuthServiceClient interface {
	SignUp(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	SignIn(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Refresh(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetUser(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	UpdateUser(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	SetRoles(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	SignOut(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	StartOAuth(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	AwaitOAuth(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
	Ping(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type authServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAuthServiceClient(cc grpc.ClientConnInterface) AuthServiceClient {
	return &authServiceClient{cc: cc}
}

func (c *authServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authServiceClient) SignUp(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SignUpMethod, in, opts)
}

func (c *authServiceClient) SignIn(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SignInMethod, in, opts)
}

func (c *authServiceClient) Refresh(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RefreshMethod, in, opts)
}

func (c *authServiceClient) GetUser(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetUserMethod, in, opts)
}

func (c *authServiceClient) UpdateUser(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, UpdateUserMethod, in, opts)
}

func (c *authServiceClient) SetRoles(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SetRolesMethod, in, opts)
}

func (c *authServiceClient) SignOut(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SignOutMethod, in, opts)
}

func (c *authServiceClient) StartOAuth(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, StartOAuthMethod, in, opts)
}

func (c *authServiceClient) AwaitOAuth(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, AwaitOAuthMethod, in, opts)
}

func (c *authServiceClient) Ping(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, PingMethod, in, opts)
}

func (c *authServiceClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &AuthService_ServiceDesc.Streams[0], WatchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// AuthServiceServer is the server API for AuthService. Implementations
// must embed UnimplementedAuthServiceServer.
type AuthServiceServer interface {
	SignUp(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRoles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartOAuth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AwaitOAuth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	Ping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	mustEmbedUnimplementedAuthServiceServer()
}

type UnimplementedAuthServiceServer struct{}

func (UnimplementedAuthServiceServer) SignUp(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method SignUp not implemented")
}
func (UnimplementedAuthServiceServer) SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method SignIn not implemented")
}
func (UnimplementedAuthServiceServer) Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
}
func (UnimplementedAuthServiceServer) GetUser(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetUser not implemented")
}
func (UnimplementedAuthServiceServer) UpdateUser(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method UpdateUser not implemented")
}
func (UnimplementedAuthServiceServer) SetRoles(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method SetRoles not implemented")
}
func (UnimplementedAuthServiceServer) SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method SignOut not implemented")
}
func (UnimplementedAuthServiceServer) StartOAuth(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method StartOAuth not implemented")
}
func (UnimplementedAuthServiceServer) AwaitOAuth(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method AwaitOAuth not implemented")
}
func (UnimplementedAuthServiceServer) Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method Watch not implemented")
}
func (UnimplementedAuthServiceServer) Ping(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedAuthServiceServer) mustEmbedUnimplementedAuthServiceServer() {}

func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&AuthService_ServiceDesc, srv)
}

type unaryCall func(srv AuthServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuthServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AuthServiceServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var AuthService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignUp", Handler: unaryHandler(SignUpMethod, AuthServiceServer.SignUp)},
		{MethodName: "SignIn", Handler: unaryHandler(SignInMethod, AuthServiceServer.SignIn)},
		{MethodName: "Refresh", Handler: unaryHandler(RefreshMethod, AuthServiceServer.Refresh)},
		{MethodName: "GetUser", Handler: unaryHandler(GetUserMethod, AuthServiceServer.GetUser)},
		{MethodName: "UpdateUser", Handler: unaryHandler(UpdateUserMethod, AuthServiceServer.UpdateUser)},
		{MethodName: "SetRoles", Handler: unaryHandler(SetRolesMethod, AuthServiceServer.SetRoles)},
		{MethodName: "SignOut", Handler: unaryHandler(SignOutMethod, AuthServiceServer.SignOut)},
		{MethodName: "StartOAuth", Handler: unaryHandler(StartOAuthMethod, AuthServiceServer.StartOAuth)},
		{MethodName: "AwaitOAuth", Handler: unaryHandler(AwaitOAuthMethod, AuthServiceServer.AwaitOAuth)},
		{MethodName: "Ping", Handler: unaryHandler(PingMethod, AuthServiceServer.Ping)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "internal/authpb/service.go",
}
