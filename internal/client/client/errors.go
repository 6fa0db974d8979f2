package client

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotLoggedIn  = errors.New("not logged in")
)

// domainErrors are matched by status message, which the server keeps equal
// to the sentinel text.
var domainErrors = []error{
	common.ErrConflict,
	common.ErrInvalidCredentials,
	common.ErrNotificationFailure,
	common.ErrAccountNotFound,
	common.ErrNoActiveChallenge,
	common.ErrChallengeExpired,
	common.ErrInvalidCode,
	common.ErrInvalidRefreshToken,
	common.ErrPasswordReuse,
	common.ErrForbidden,
	common.ErrInvalidRole,
	common.ErrInvalidToken,
	common.ErrTokenExpired,
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range domainErrors {
		if st.Message() == d.Error() {
			return d
		}
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
