package models

import (
	"slices"
	"time"
)

// AccountPatch is a partial update of an Account. Nil fields are left
// untouched. The If* guards turn the update into a compare-and-swap: it is
// applied only if the stored value still equals the guard.
type AccountPatch struct {
	Name         *string
	PasswordHash *string
	Roles        []Role

	SetOTP   *OTPChallenge
	ClearOTP bool

	SetRefreshTokenHash *string
	ClearRefreshToken   bool

	IfOTPHash          *string
	IfRefreshTokenHash *string
}

// GuardsHold reports whether the patch preconditions match a.
func (p AccountPatch) GuardsHold(a *Account) bool {
	if p.IfOTPHash != nil && (a.OTP == nil || a.OTP.Hash != *p.IfOTPHash) {
		return false
	}
	if p.IfRefreshTokenHash != nil && a.RefreshTokenHash != *p.IfRefreshTokenHash {
		return false
	}
	return true
}

// Apply writes the patch into a and stamps UpdatedAt. Guards are not checked
// here; callers check GuardsHold under the same lock or transaction.
func (p AccountPatch) Apply(a *Account, now time.Time) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.PasswordHash != nil {
		a.PasswordHash = *p.PasswordHash
	}
	if p.Roles != nil {
		a.Roles = slices.Clone(p.Roles)
	}
	switch {
	case p.SetOTP != nil:
		otp := *p.SetOTP
		a.OTP = &otp
	case p.ClearOTP:
		a.OTP = nil
	}
	switch {
	case p.SetRefreshTokenHash != nil:
		a.RefreshTokenHash = *p.SetRefreshTokenHash
	case p.ClearRefreshToken:
		a.RefreshTokenHash = ""
	}
	a.UpdatedAt = now
}
