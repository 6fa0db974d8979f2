// Package models defines server-side data models persisted by the
// credential store.
package models

import (
	"slices"
	"time"
)

// Role is a privilege level attached to an account.
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleModerator:
		return true
	}
	return false
}

// DefaultRoles is the role set given to freshly registered accounts.
func DefaultRoles() []Role { return []Role{RoleUser} }

// OTPChallenge is an outstanding one-time-passcode challenge. Hash and
// ExpiresAt only ever exist together.
type OTPChallenge struct {
	Hash      string
	ExpiresAt time.Time
}

// Expired reports whether the challenge has passed its deadline at now.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Account is the identity and credential record of a single user.
type Account struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Roles        []Role

	// OTP is nil when no challenge is outstanding.
	OTP *OTPChallenge

	// RefreshTokenHash is empty when no refresh token is valid.
	RefreshTokenHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRole reports whether the account holds role r.
func (a *Account) HasRole(r Role) bool {
	return slices.Contains(a.Roles, r)
}

// Clone returns a deep copy so stores can hand out records without sharing
// mutable state.
func (a *Account) Clone() *Account {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	if a.OTP != nil {
		otp := *a.OTP
		c.OTP = &otp
	}
	return &c
}
