// Package services contains server-side business logic. This file implements
// AuthService, the OTP-gated credential flow: registration, two-step login,
// refresh-token rotation, logout, password change and role assignment.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/notify"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/accounts"
)

const (
	opRegister       = "register"
	opLogin          = "login"
	opVerifyOTP      = "verify_otp"
	opResendOTP      = "resend_otp"
	opRefresh        = "refresh"
	opLogout         = "logout"
	opChangePassword = "change_password"
	opProfile        = "profile"
	opAssignRoles    = "assign_roles"
)

// OTPGenerator produces a fresh code and its expiry relative to now.
type OTPGenerator interface {
	Generate(now time.Time) (*auth.OTP, error)
}

// TokenIssuer mints and checks access/refresh token pairs.
type TokenIssuer interface {
	Issue(id auth.Identity) (*auth.TokenPair, error)
	Verify(token string, typ auth.TokenType) (*auth.Claims, error)
	Decode(token string) (*auth.Claims, error)
}

// RegisterResult acknowledges a registration. It never carries the code.
type RegisterResult struct {
	AccountID string
	Email     string
}

// Profile is the public view of an account.
type Profile struct {
	ID    string
	Email string
	Name  string
	Roles []models.Role
}

type Option func(*AuthService)

// WithClock replaces time.Now for OTP issuance and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

// AuthService drives the per-account credential state machine. It keeps no
// mutable state of its own; concurrent calls on one account are arbitrated
// by guarded store updates.
type AuthService struct {
	accounts accounts.Repository
	hasher   auth.Hasher
	otp      OTPGenerator
	tokens   TokenIssuer
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   logging.Logger
	now      func() time.Time

	// dummyHash is verified against when the email is unknown, so that an
	// unknown account costs the same as a wrong password.
	dummyHash string
}

func NewAuthService(repo accounts.Repository, h auth.Hasher, g OTPGenerator, t TokenIssuer,
	n notify.Notifier, m *metrics.Metrics, l logging.Logger, opts ...Option) (*AuthService, error) {

	filler, err := common.MakeRandHexString(16)
	if err != nil {
		return nil, err
	}
	dummy, err := h.Hash(filler)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}

	s := &AuthService{
		accounts:  repo,
		hasher:    h,
		otp:       g,
		tokens:    t,
		notifier:  n,
		metrics:   m,
		logger:    l.With("module", "auth_service"),
		now:       time.Now,
		dummyHash: dummy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates the account with default roles and an outstanding OTP
// challenge, then delivers the code. A delivery failure leaves the account in
// place; the caller recovers with ResendOTP.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (_ *RegisterResult, err error) {
	var accountID string
	defer func() { s.record(ctx, opRegister, accountID, err) }()

	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return nil, common.ErrConflict
	} else if !errors.Is(err, common.ErrorNotFound) {
		return nil, internalError(err)
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, internalError(err)
	}

	otp, otpHash, err := s.newChallenge()
	if err != nil {
		return nil, err
	}

	a, err := s.accounts.Create(ctx, &models.Account{
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Roles:        models.DefaultRoles(),
		OTP:          &models.OTPChallenge{Hash: otpHash, ExpiresAt: otp.ExpiresAt},
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.ErrConflict
		}
		return nil, internalError(err)
	}
	accountID = a.ID
	s.metrics.OTPIssued.Inc()

	if err := s.notifier.SendOTP(ctx, a.Email, a.Name, otp.Code); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNotificationFailure, err)
	}

	return &RegisterResult{AccountID: a.ID, Email: a.Email}, nil
}

// Login is the first login step: it checks the password and, on success,
// replaces any pending challenge with a new code sent to the account email.
func (s *AuthService) Login(ctx context.Context, email, password string) (err error) {
	var accountID string
	defer func() { s.record(ctx, opLogin, accountID, err) }()

	a, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_, _ = s.hasher.Verify(password, s.dummyHash)
			return common.ErrInvalidCredentials
		}
		return internalError(err)
	}
	accountID = a.ID

	ok, err := s.hasher.Verify(password, a.PasswordHash)
	if err != nil {
		return internalError(err)
	}
	if !ok {
		return common.ErrInvalidCredentials
	}

	var patch models.AccountPatch
	if s.hasher.NeedsUpgrade(a.PasswordHash) {
		if upgraded, err := s.hasher.Hash(password); err != nil {
			s.logger.Warn(ctx, "password hash upgrade failed", "op", opLogin, "account_id", a.ID, "error", err)
		} else {
			patch.PasswordHash = &upgraded
		}
	}

	return s.issueChallenge(ctx, a, patch)
}

// ResendOTP replaces any pending challenge with a new code. It does not
// require a prior Login.
func (s *AuthService) ResendOTP(ctx context.Context, email string) (err error) {
	var accountID string
	defer func() { s.record(ctx, opResendOTP, accountID, err) }()

	a, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return storeError(err, common.ErrAccountNotFound)
	}
	accountID = a.ID

	return s.issueChallenge(ctx, a, models.AccountPatch{})
}

// VerifyOTP is the second login step. The challenge is consumed and the new
// refresh hash stored in one guarded write, so a code works at most once.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code string) (_ *auth.TokenPair, err error) {
	var accountID string
	defer func() { s.record(ctx, opVerifyOTP, accountID, err) }()

	a, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, storeError(err, common.ErrAccountNotFound)
	}
	accountID = a.ID

	if a.OTP == nil {
		return nil, common.ErrNoActiveChallenge
	}
	if a.OTP.Expired(s.now()) {
		return nil, common.ErrChallengeExpired
	}

	ok, err := s.hasher.Verify(code, a.OTP.Hash)
	if err != nil {
		return nil, internalError(err)
	}
	if !ok {
		return nil, common.ErrInvalidCode
	}

	pair, refreshHash, err := s.issueTokens(a)
	if err != nil {
		return nil, err
	}

	challenge := a.OTP.Hash
	_, err = s.accounts.UpdateFields(ctx, a.ID, models.AccountPatch{
		IfOTPHash:           &challenge,
		ClearOTP:            true,
		SetRefreshTokenHash: &refreshHash,
	})
	if err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return nil, common.ErrNoActiveChallenge
		}
		return nil, storeError(err, common.ErrAccountNotFound)
	}
	s.metrics.TokensIssued.Inc()

	return pair, nil
}

// Refresh rotates the refresh token of accountID. The presented token must
// carry a valid signature and the refresh type, and must match the stored hash.
func (s *AuthService) Refresh(ctx context.Context, accountID, refreshToken string) (_ *auth.TokenPair, err error) {
	defer func() { s.record(ctx, opRefresh, accountID, err) }()

	return s.refresh(ctx, accountID, refreshToken)
}

// RefreshByToken reads the account id from the unverified token and then
// performs the full Refresh check. An unknown subject is reported as an
// invalid token.
func (s *AuthService) RefreshByToken(ctx context.Context, refreshToken string) (_ *auth.TokenPair, err error) {
	var accountID string
	defer func() { s.record(ctx, opRefresh, accountID, err) }()

	claims, err := s.tokens.Decode(refreshToken)
	if err != nil || claims.Subject == "" {
		return nil, common.ErrInvalidRefreshToken
	}
	accountID = claims.Subject

	pair, err := s.refresh(ctx, accountID, refreshToken)
	if errors.Is(err, common.ErrAccountNotFound) {
		return nil, common.ErrInvalidRefreshToken
	}
	return pair, err
}

func (s *AuthService) refresh(ctx context.Context, accountID, refreshToken string) (*auth.TokenPair, error) {
	a, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, storeError(err, common.ErrAccountNotFound)
	}
	if a.RefreshTokenHash == "" {
		return nil, common.ErrInvalidRefreshToken
	}

	claims, err := s.tokens.Verify(refreshToken, auth.TokenTypeRefresh)
	if err != nil || claims.Subject != a.ID {
		return nil, common.ErrInvalidRefreshToken
	}

	ok, err := s.hasher.Verify(refreshToken, a.RefreshTokenHash)
	if err != nil {
		return nil, internalError(err)
	}
	if !ok {
		return nil, common.ErrInvalidRefreshToken
	}

	pair, refreshHash, err := s.issueTokens(a)
	if err != nil {
		return nil, err
	}

	current := a.RefreshTokenHash
	_, err = s.accounts.UpdateFields(ctx, a.ID, models.AccountPatch{
		IfRefreshTokenHash:  &current,
		SetRefreshTokenHash: &refreshHash,
	})
	if err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return nil, common.ErrInvalidRefreshToken
		}
		return nil, storeError(err, common.ErrAccountNotFound)
	}
	s.metrics.TokensIssued.Inc()

	return pair, nil
}

// Logout drops the stored refresh hash. Calling it again is a no-op.
func (s *AuthService) Logout(ctx context.Context, id auth.Identity) (err error) {
	defer func() { s.record(ctx, opLogout, id.AccountID, err) }()

	_, err = s.accounts.UpdateFields(ctx, id.AccountID, models.AccountPatch{ClearRefreshToken: true})
	if err != nil {
		return storeError(err, common.ErrAccountNotFound)
	}
	return nil
}

// ChangePassword replaces the password hash. OTP and refresh state are left
// alone, and the notice to the account holder is best effort.
func (s *AuthService) ChangePassword(ctx context.Context, id auth.Identity, currentPassword, newPassword string) (err error) {
	defer func() { s.record(ctx, opChangePassword, id.AccountID, err) }()

	a, err := s.accounts.FindByID(ctx, id.AccountID)
	if err != nil {
		return storeError(err, common.ErrAccountNotFound)
	}

	ok, err := s.hasher.Verify(currentPassword, a.PasswordHash)
	if err != nil {
		return internalError(err)
	}
	if !ok {
		return common.ErrInvalidCredentials
	}

	// Reuse is judged by the stored hash, not by comparing the two inputs.
	same, err := s.hasher.Verify(newPassword, a.PasswordHash)
	if err != nil {
		return internalError(err)
	}
	if same {
		return common.ErrPasswordReuse
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return internalError(err)
	}
	if _, err := s.accounts.UpdateFields(ctx, a.ID, models.AccountPatch{PasswordHash: &newHash}); err != nil {
		return storeError(err, common.ErrAccountNotFound)
	}

	if err := s.notifier.SendPasswordChanged(ctx, a.Email, a.Name); err != nil {
		s.logger.Warn(ctx, "password changed notice not delivered", "op", opChangePassword, "account_id", a.ID, "error", err)
	}

	return nil
}

// Profile returns the public view of the caller's account.
func (s *AuthService) Profile(ctx context.Context, id auth.Identity) (_ *Profile, err error) {
	defer func() { s.record(ctx, opProfile, id.AccountID, err) }()

	a, err := s.accounts.FindByID(ctx, id.AccountID)
	if err != nil {
		return nil, storeError(err, common.ErrAccountNotFound)
	}
	return profileOf(a), nil
}

// AssignRoles replaces the role set of targetID. The caller must currently
// hold the admin role according to the store, not according to its token.
func (s *AuthService) AssignRoles(ctx context.Context, id auth.Identity, targetID string, roles []models.Role) (_ *Profile, err error) {
	defer func() { s.record(ctx, opAssignRoles, id.AccountID, err) }()

	caller, err := s.accounts.FindByID(ctx, id.AccountID)
	if err != nil {
		return nil, storeError(err, common.ErrForbidden)
	}
	if !caller.HasRole(models.RoleAdmin) {
		return nil, common.ErrForbidden
	}

	set, err := normalizeRoles(roles)
	if err != nil {
		return nil, err
	}

	a, err := s.accounts.UpdateFields(ctx, targetID, models.AccountPatch{Roles: set})
	if err != nil {
		return nil, storeError(err, common.ErrAccountNotFound)
	}
	return profileOf(a), nil
}

// --- helpers below ---

func (s *AuthService) newChallenge() (*auth.OTP, string, error) {
	otp, err := s.otp.Generate(s.now())
	if err != nil {
		return nil, "", internalError(err)
	}
	otpHash, err := s.hasher.Hash(otp.Code)
	if err != nil {
		return nil, "", internalError(err)
	}
	return otp, otpHash, nil
}

// issueChallenge stores a fresh challenge on a (together with any fields
// already in patch) and then delivers the code.
func (s *AuthService) issueChallenge(ctx context.Context, a *models.Account, patch models.AccountPatch) error {
	otp, otpHash, err := s.newChallenge()
	if err != nil {
		return err
	}

	patch.SetOTP = &models.OTPChallenge{Hash: otpHash, ExpiresAt: otp.ExpiresAt}
	if _, err := s.accounts.UpdateFields(ctx, a.ID, patch); err != nil {
		return storeError(err, common.ErrAccountNotFound)
	}
	s.metrics.OTPIssued.Inc()

	if err := s.notifier.SendOTP(ctx, a.Email, a.Name, otp.Code); err != nil {
		return fmt.Errorf("%w: %v", common.ErrNotificationFailure, err)
	}
	return nil
}

// issueTokens mints a pair for a and hashes its refresh token for storage.
func (s *AuthService) issueTokens(a *models.Account) (*auth.TokenPair, string, error) {
	pair, err := s.tokens.Issue(identityOf(a))
	if err != nil {
		return nil, "", internalError(err)
	}
	refreshHash, err := s.hasher.Hash(pair.RefreshToken)
	if err != nil {
		return nil, "", internalError(err)
	}
	return pair, refreshHash, nil
}

func (s *AuthService) record(ctx context.Context, op, accountID string, err error) {
	s.metrics.Observe(op, err)

	switch {
	case err == nil:
		s.logger.Info(ctx, "operation succeeded", "op", op, "account_id", accountID)
	case errors.Is(err, common.ErrorInternal):
		s.logger.Error(ctx, "operation failed", "op", op, "account_id", accountID, "error", err)
	default:
		s.logger.Info(ctx, "operation rejected", "op", op, "account_id", accountID, "reason", metrics.Result(err))
	}
}

func identityOf(a *models.Account) auth.Identity {
	return auth.Identity{AccountID: a.ID, Email: a.Email, Name: a.Name}
}

func profileOf(a *models.Account) *Profile {
	return &Profile{ID: a.ID, Email: a.Email, Name: a.Name, Roles: a.Roles}
}

// normalizeRoles validates roles and drops duplicates, keeping first-seen order.
func normalizeRoles(roles []models.Role) ([]models.Role, error) {
	if len(roles) == 0 {
		return nil, common.ErrInvalidRole
	}
	set := make([]models.Role, 0, len(roles))
	seen := make(map[models.Role]struct{}, len(roles))
	for _, r := range roles {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: %q", common.ErrInvalidRole, r)
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		set = append(set, r)
	}
	return set, nil
}

// storeError maps a missing record to notFound and anything else to an
// opaque internal error.
func storeError(err, notFound error) error {
	if errors.Is(err, common.ErrorNotFound) {
		return notFound
	}
	return internalError(err)
}

func internalError(err error) error {
	return fmt.Errorf("%w: %v", common.ErrorInternal, err)
}
