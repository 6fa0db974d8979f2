package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophauth/internal/common"
	pb "github.com/dmitrijs2005/gophauth/internal/proto"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const identityKey ctxKey = "identity"

// protectedMethods require a valid access token.
var protectedMethods = map[string]bool{
	pb.AuthService_Logout_FullMethodName:         true,
	pb.AuthService_ChangePassword_FullMethodName: true,
	pb.AuthService_Profile_FullMethodName:        true,
	pb.AuthService_AssignRoles_FullMethodName:    true,
}

func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !protectedMethods[info.FullMethod] {
		return handler(ctx, req)
	}

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

	claims, err := s.tokens.Verify(accessToken, auth.TokenTypeAccess)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	ctx = context.WithValue(ctx, identityKey, claims.Identity())

	return handler(ctx, req)
}

func identityFromContext(ctx context.Context) (auth.Identity, error) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	if !ok || id.AccountID == "" {
		return auth.Identity{}, status.Error(codes.Unauthenticated, "missing identity")
	}
	return id, nil
}
