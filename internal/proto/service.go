package proto

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "gophauth.v1.AuthService"

const (
	AuthService_Register_FullMethodName       = "/gophauth.v1.AuthService/Register"
	AuthService_Login_FullMethodName          = "/gophauth.v1.AuthService/Login"
	AuthService_VerifyOTP_FullMethodName      = "/gophauth.v1.AuthService/VerifyOTP"
	AuthService_ResendOTP_FullMethodName      = "/gophauth.v1.AuthService/ResendOTP"
	AuthService_Refresh_FullMethodName        = "/gophauth.v1.AuthService/Refresh"
	AuthService_Logout_FullMethodName         = "/gophauth.v1.AuthService/Logout"
	AuthService_ChangePassword_FullMethodName = "/gophauth.v1.AuthService/ChangePassword"
	AuthService_Profile_FullMethodName        = "/gophauth.v1.AuthService/Profile"
	AuthService_AssignRoles_FullMethodName    = "/gophauth.v1.AuthService/AssignRoles"
)

// AuthServiceServer is implemented by the server transport.
type AuthServiceServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*StatusResponse, error)
	VerifyOTP(context.Context, *VerifyOTPRequest) (*TokenPairResponse, error)
	ResendOTP(context.Context, *ResendOTPRequest) (*StatusResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokenPairResponse, error)
	Logout(context.Context, *Empty) (*StatusResponse, error)
	ChangePassword(context.Context, *ChangePasswordRequest) (*StatusResponse, error)
	Profile(context.Context, *Empty) (*ProfileResponse, error)
	AssignRoles(context.Context, *AssignRolesRequest) (*ProfileResponse, error)
}

// unaryHandler adapts a typed server method to grpc.MethodHandler, running
// the interceptor chain when one is installed.
func unaryHandler[Req, Resp any](fullMethod string, call func(AuthServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuthServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var AuthService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(AuthService_Register_FullMethodName, AuthServiceServer.Register)},
		{MethodName: "Login", Handler: unaryHandler(AuthService_Login_FullMethodName, AuthServiceServer.Login)},
		{MethodName: "VerifyOTP", Handler: unaryHandler(AuthService_VerifyOTP_FullMethodName, AuthServiceServer.VerifyOTP)},
		{MethodName: "ResendOTP", Handler: unaryHandler(AuthService_ResendOTP_FullMethodName, AuthServiceServer.ResendOTP)},
		{MethodName: "Refresh", Handler: unaryHandler(AuthService_Refresh_FullMethodName, AuthServiceServer.Refresh)},
		{MethodName: "Logout", Handler: unaryHandler(AuthService_Logout_FullMethodName, AuthServiceServer.Logout)},
		{MethodName: "ChangePassword", Handler: unaryHandler(AuthService_ChangePassword_FullMethodName, AuthServiceServer.ChangePassword)},
		{MethodName: "Profile", Handler: unaryHandler(AuthService_Profile_FullMethodName, AuthServiceServer.Profile)},
		{MethodName: "AssignRoles", Handler: unaryHandler(AuthService_AssignRoles_FullMethodName, AuthServiceServer.AssignRoles)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gophauth/v1/auth.proto",
}

func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&AuthService_ServiceDesc, srv)
}

// AuthServiceClient is the client API for gophauth.v1.AuthService.
type AuthServiceClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	VerifyOTP(ctx context.Context, in *VerifyOTPRequest, opts ...grpc.CallOption) (*TokenPairResponse, error)
	ResendOTP(ctx context.Context, in *ResendOTPRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*TokenPairResponse, error)
	Logout(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatusResponse, error)
	ChangePassword(ctx context.Context, in *ChangePasswordRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	Profile(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ProfileResponse, error)
	AssignRoles(ctx context.Context, in *AssignRolesRequest, opts ...grpc.CallOption) (*ProfileResponse, error)
}

type authServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAuthServiceClient(cc grpc.ClientConnInterface) AuthServiceClient {
	return &authServiceClient{cc}
}

// invoke always selects the JSON codec so callers need no dial options.
func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authServiceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	return invoke[RegisterResponse](ctx, c.cc, AuthService_Register_FullMethodName, in, opts)
}

func (c *authServiceClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, AuthService_Login_FullMethodName, in, opts)
}

func (c *authServiceClient) VerifyOTP(ctx context.Context, in *VerifyOTPRequest, opts ...grpc.CallOption) (*TokenPairResponse, error) {
	return invoke[TokenPairResponse](ctx, c.cc, AuthService_VerifyOTP_FullMethodName, in, opts)
}

func (c *authServiceClient) ResendOTP(ctx context.Context, in *ResendOTPRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, AuthService_ResendOTP_FullMethodName, in, opts)
}

func (c *authServiceClient) Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*TokenPairResponse, error) {
	return invoke[TokenPairResponse](ctx, c.cc, AuthService_Refresh_FullMethodName, in, opts)
}

func (c *authServiceClient) Logout(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, AuthService_Logout_FullMethodName, in, opts)
}

func (c *authServiceClient) ChangePassword(ctx context.Context, in *ChangePasswordRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, AuthService_ChangePassword_FullMethodName, in, opts)
}

func (c *authServiceClient) Profile(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ProfileResponse, error) {
	return invoke[ProfileResponse](ctx, c.cc, AuthService_Profile_FullMethodName, in, opts)
}

func (c *authServiceClient) AssignRoles(ctx context.Context, in *AssignRolesRequest, opts ...grpc.CallOption) (*ProfileResponse, error) {
	return invoke[ProfileResponse](ctx, c.cc, AuthService_AssignRoles_FullMethodName, in, opts)
}
