package authpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed facade over AuthServiceClient.
type Client struct {
	raw AuthServiceClient
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{raw: NewAuthServiceClient(cc)}
}

// EventStream yields events from a Watch call until the stream ends.
type EventStream interface {
	Recv() (*Event, error)
}

type rpc func(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)

func call[Resp any](ctx context.Context, fn rpc, req any, opts []grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SignUp(ctx context.Context, req *SignUpRequest, opts ...grpc.CallOption) (*SignUpResponse, error) {
	return call[SignUpResponse](ctx, c.raw.SignUp, req, opts)
}

func (c *Client) SignIn(ctx context.Context, req *SignInRequest, opts ...grpc.CallOption) (*SessionResponse, error) {
	return call[SessionResponse](ctx, c.raw.SignIn, req, opts)
}

func (c *Client) Refresh(ctx context.Context, req *RefreshRequest, opts ...grpc.CallOption) (*SessionResponse, error) {
	return call[SessionResponse](ctx, c.raw.Refresh, req, opts)
}

func (c *Client) GetUser(ctx context.Context, opts ...grpc.CallOption) (*UserResponse, error) {
	return call[UserResponse](ctx, c.raw.GetUser, &Empty{}, opts)
}

func (c *Client) UpdateUser(ctx context.Context, req *UpdateUserRequest, opts ...grpc.CallOption) (*UserResponse, error) {
	return call[UserResponse](ctx, c.raw.UpdateUser, req, opts)
}

func (c *Client) SetRoles(ctx context.Context, req *SetRolesRequest, opts ...grpc.CallOption) (*UserResponse, error) {
	return call[UserResponse](ctx, c.raw.SetRoles, req, opts)
}

func (c *Client) SignOut(ctx context.Context, req *SignOutRequest, opts ...grpc.CallOption) error {
	_, err := call[Empty](ctx, c.raw.SignOut, req, opts)
	return err
}

func (c *Client) StartOAuth(ctx context.Context, req *StartOAuthRequest, opts ...grpc.CallOption) (*StartOAuthResponse, error) {
	return call[StartOAuthResponse](ctx, c.raw.StartOAuth, req, opts)
}

func (c *Client) AwaitOAuth(ctx context.Context, req *AwaitOAuthRequest, opts ...grpc.CallOption) (*SessionResponse, error) {
	return call[SessionResponse](ctx, c.raw.AwaitOAuth, req, opts)
}

func (c *Client) Ping(ctx context.Context, opts ...grpc.CallOption) (*PingResponse, error) {
	return call[PingResponse](ctx, c.raw.Ping, &Empty{}, opts)
}

func (c *Client) Watch(ctx context.Context, opts ...grpc.CallOption) (EventStream, error) {
	in, err := Encode(&Empty{})
	if err != nil {
		return nil, err
	}
	stream, err := c.raw.Watch(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return &eventStream{stream: stream}, nil
}

type eventStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

func (s *eventStream) Recv() (*Event, error) {
	st, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	ev := &Event{}
	if err := Decode(st, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
