// Package common defines shared constants and sentinel errors used across
// client and server layers of gophauth. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")
	ErrStaleState = errors.New("stale state")

	// Opaque backend failure, distinct from the domain errors below.
	ErrorInternal = errors.New("internal error")

	// Credential flow errors.
	ErrConflict            = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrNotificationFailure = errors.New("notification delivery failed")
	ErrAccountNotFound     = errors.New("account not found")
	ErrNoActiveChallenge   = errors.New("no active otp challenge")
	ErrChallengeExpired    = errors.New("otp challenge expired")
	ErrInvalidCode         = errors.New("invalid otp code")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrPasswordReuse       = errors.New("new password must differ from current password")

	// Authorization errors.
	ErrForbidden   = errors.New("forbidden")
	ErrInvalidRole = errors.New("invalid role set")

	// Token errors (invalid or malformed token, expired token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
