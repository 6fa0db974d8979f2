package grpc

import (
	"errors"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var statusCodes = []struct {
	err  error
	code codes.Code
}{
	{common.ErrConflict, codes.AlreadyExists},
	{common.ErrInvalidCredentials, codes.Unauthenticated},
	{common.ErrInvalidRefreshToken, codes.Unauthenticated},
	{common.ErrInvalidCode, codes.Unauthenticated},
	{common.ErrChallengeExpired, codes.Unauthenticated},
	{common.ErrNoActiveChallenge, codes.Unauthenticated},
	{common.ErrInvalidToken, codes.Unauthenticated},
	{common.ErrTokenExpired, codes.Unauthenticated},
	{common.ErrAccountNotFound, codes.NotFound},
	{common.ErrPasswordReuse, codes.InvalidArgument},
	{common.ErrInvalidRole, codes.InvalidArgument},
	{common.ErrForbidden, codes.PermissionDenied},
	{common.ErrNotificationFailure, codes.Unavailable},
}

// toStatus converts a service error to a gRPC status. Domain errors keep
// their sentinel message; anything else becomes an opaque Internal.
func toStatus(err error) error {
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return status.Error(sc.code, sc.err.Error())
		}
	}
	return status.Error(codes.Internal, "internal error")
}
