package client

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophauth/internal/common"
	pb "github.com/dmitrijs2005/gophauth/internal/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      pb.AuthServiceClient

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	if token != "" {
		md.Set(common.AccessTokenHeaderName, token)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

func isExpired(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unauthenticated && st.Message() == common.ErrTokenExpired.Error()
}

// accessTokenInterceptor attaches the access token and, when the server
// reports it expired, rotates the pair once and retries the call.
func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	access, refresh := s.tokens()

	err := invoker(withAccessToken(ctx, access), method, req, reply, cc, opts...)
	if err == nil || method == pb.AuthService_Refresh_FullMethodName || !isExpired(err) || refresh == "" {
		return err
	}

	if err := s.rotate(ctx, refresh); err != nil {
		return err
	}

	// tokens refreshed, retry with the new access token
	access, _ = s.tokens()
	return invoker(withAccessToken(ctx, access), method, req, reply, cc, opts...)
}

func NewGRPCClient(endpointURL string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL}
	if err := c.initGRPCClient(opts...); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) initGRPCClient(opts ...grpc.DialOption) error {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(s.endpointURL, opts...)
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = pb.NewAuthServiceClient(conn)
	return nil
}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

func (s *GRPCClient) tokens() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.refreshToken
}

func (s *GRPCClient) setTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken, s.refreshToken = access, refresh
}

// LoggedIn reports whether the client holds a token pair.
func (s *GRPCClient) LoggedIn() bool {
	_, refresh := s.tokens()
	return refresh != ""
}

func (s *GRPCClient) rotate(ctx context.Context, refreshToken string) error {
	resp, err := s.client.Refresh(ctx, &pb.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return mapError(err)
	}
	s.setTokens(resp.AccessToken, resp.RefreshToken)
	return nil
}

// Register creates an account and returns its id. The server emails the
// first code; confirm it with VerifyOTP.
func (s *GRPCClient) Register(ctx context.Context, name, email, password string) (string, error) {
	resp, err := s.client.Register(ctx, &pb.RegisterRequest{Name: name, Email: email, Password: password})
	if err != nil {
		return "", mapError(err)
	}
	return resp.AccountID, nil
}

func (s *GRPCClient) Login(ctx context.Context, email, password string) error {
	_, err := s.client.Login(ctx, &pb.LoginRequest{Email: email, Password: password})
	return mapError(err)
}

// VerifyOTP exchanges the emailed code for a token pair and keeps it.
func (s *GRPCClient) VerifyOTP(ctx context.Context, email, code string) error {
	resp, err := s.client.VerifyOTP(ctx, &pb.VerifyOTPRequest{Email: email, Code: code})
	if err != nil {
		return mapError(err)
	}
	s.setTokens(resp.AccessToken, resp.RefreshToken)
	return nil
}

func (s *GRPCClient) ResendOTP(ctx context.Context, email string) error {
	_, err := s.client.ResendOTP(ctx, &pb.ResendOTPRequest{Email: email})
	return mapError(err)
}

// Refresh rotates the stored token pair.
func (s *GRPCClient) Refresh(ctx context.Context) error {
	_, refresh := s.tokens()
	if refresh == "" {
		return ErrNotLoggedIn
	}
	return s.rotate(ctx, refresh)
}

// Logout revokes the refresh token on the server and forgets the pair.
func (s *GRPCClient) Logout(ctx context.Context) error {
	if !s.LoggedIn() {
		return ErrNotLoggedIn
	}
	_, err := s.client.Logout(ctx, &pb.Empty{})
	s.setTokens("", "")
	return mapError(err)
}

func (s *GRPCClient) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	_, err := s.client.ChangePassword(ctx, &pb.ChangePasswordRequest{
		CurrentPassword: currentPassword,
		NewPassword:     newPassword,
	})
	return mapError(err)
}

func (s *GRPCClient) Profile(ctx context.Context) (*pb.ProfileResponse, error) {
	resp, err := s.client.Profile(ctx, &pb.Empty{})
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

func (s *GRPCClient) AssignRoles(ctx context.Context, accountID string, roles []string) (*pb.ProfileResponse, error) {
	resp, err := s.client.AssignRoles(ctx, &pb.AssignRolesRequest{AccountID: accountID, Roles: roles})
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}
