// Package grpc exposes the credential flow over gRPC. Messages use the JSON
// codec from internal/proto; authenticated methods expect an access token in
// the "access_token" metadata key.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	pb "github.com/dmitrijs2005/gophauth/internal/proto"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// AuthService is the part of services.AuthService the transport calls.
type AuthService interface {
	Register(ctx context.Context, name, email, password string) (*services.RegisterResult, error)
	Login(ctx context.Context, email, password string) error
	VerifyOTP(ctx context.Context, email, code string) (*auth.TokenPair, error)
	ResendOTP(ctx context.Context, email string) error
	RefreshByToken(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, id auth.Identity) error
	ChangePassword(ctx context.Context, id auth.Identity, currentPassword, newPassword string) error
	Profile(ctx context.Context, id auth.Identity) (*services.Profile, error)
	AssignRoles(ctx context.Context, id auth.Identity, targetID string, roles []models.Role) (*services.Profile, error)
}

// AccessVerifier checks access tokens at the edge.
type AccessVerifier interface {
	Verify(token string, typ auth.TokenType) (*auth.Claims, error)
}

type GRPCServer struct {
	address string
	auth    AuthService
	tokens  AccessVerifier
	logger  logging.Logger
	health  *health.Server
}

func NewGRPCServer(a string, l logging.Logger, svc AuthService, tokens AccessVerifier) *GRPCServer {
	return &GRPCServer{
		address: a,
		logger:  l.With("module", "grpc_server"),
		auth:    svc,
		tokens:  tokens,
		health:  health.NewServer(),
	}
}

// newServer builds the gRPC server with the auth and health services
// registered.
func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))

	pb.RegisterAuthServiceServer(srv, &handler{server: s})
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus(pb.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.serve(ctx, listen)
}

func (s *GRPCServer) serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
