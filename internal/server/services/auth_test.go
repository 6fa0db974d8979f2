package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	aliceEmail = "alice@example.com"
	alicePass  = "correct horse battery staple"
)

func TestRegister_Success(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)
	assert.Equal(t, aliceEmail, res.Email)
	assert.NotEmpty(t, res.AccountID)

	a := e.account(t, aliceEmail)
	assert.Equal(t, "Alice", a.Name)
	assert.Equal(t, models.DefaultRoles(), a.Roles)
	assert.Empty(t, a.RefreshTokenHash)
	assert.NotContains(t, a.PasswordHash, alicePass)

	ok, err := e.hasher.Verify(alicePass, a.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NotNil(t, a.OTP)
	assert.Equal(t, e.clock.Now().Add(5*time.Minute), a.OTP.ExpiresAt)

	code := e.notifier.lastCode(t, aliceEmail)
	assert.NotEqual(t, code, a.OTP.Hash)
	ok, err = e.hasher.Verify(code, a.OTP.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.Operations.WithLabelValues(opRegister, "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.OTPIssued), 0)
	assert.NotContains(t, e.logs.String(), code)
	assert.NotContains(t, e.logs.String(), alicePass)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)
	before := e.account(t, aliceEmail)

	_, err = e.svc.Register(ctx, "Mallory", aliceEmail, "other password")
	assert.ErrorIs(t, err, common.ErrConflict)

	after := e.account(t, aliceEmail)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, e.notifier.sentCount(aliceEmail))
}

func TestRegister_ConflictFromStore(t *testing.T) {
	e := newTestEnv(t)
	e.repo.createErr = common.ErrConflict

	_, err := e.svc.Register(context.Background(), "Alice", aliceEmail, alicePass)
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestRegister_NotificationFailureKeepsAccount(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.notifier.fail(errors.New("smtp down"), nil)

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.ErrorIs(t, err, common.ErrNotificationFailure)

	a := e.account(t, aliceEmail)
	require.NotNil(t, a.OTP)

	e.notifier.fail(nil, nil)
	require.NoError(t, e.svc.ResendOTP(ctx, aliceEmail))

	_, err = e.svc.VerifyOTP(ctx, aliceEmail, e.notifier.lastCode(t, aliceEmail))
	assert.NoError(t, err)
}

func TestRegister_BackendError(t *testing.T) {
	e := newTestEnv(t)
	e.repo.findErr = errBackend

	_, err := e.svc.Register(context.Background(), "Alice", aliceEmail, alicePass)
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.NotErrorIs(t, err, common.ErrConflict)
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.Operations.WithLabelValues(opRegister, "internal")), 0)
	assert.Contains(t, e.logs.String(), `"level":"ERROR"`)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)
	sent := e.notifier.sentCount(aliceEmail)

	errUnknown := e.svc.Login(ctx, "nobody@example.com", alicePass)
	errWrong := e.svc.Login(ctx, aliceEmail, "wrong password")

	assert.ErrorIs(t, errUnknown, common.ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, common.ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
	assert.Equal(t, sent, e.notifier.sentCount(aliceEmail))
}

func TestLogin_IssuesFreshChallenge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)
	registerCode := e.notifier.lastCode(t, aliceEmail)

	e.clock.Advance(2 * time.Minute)
	require.NoError(t, e.svc.Login(ctx, aliceEmail, alicePass))

	a := e.account(t, aliceEmail)
	require.NotNil(t, a.OTP)
	assert.Equal(t, e.clock.Now().Add(5*time.Minute), a.OTP.ExpiresAt)

	loginCode := e.notifier.lastCode(t, aliceEmail)
	assert.NotEqual(t, registerCode, loginCode)

	_, err = e.svc.VerifyOTP(ctx, aliceEmail, registerCode)
	assert.ErrorIs(t, err, common.ErrInvalidCode)
}

func TestLogin_NotificationFailure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)

	e.notifier.fail(errors.New("smtp down"), nil)
	err = e.svc.Login(ctx, aliceEmail, alicePass)
	assert.ErrorIs(t, err, common.ErrNotificationFailure)
	assert.Empty(t, e.account(t, aliceEmail).RefreshTokenHash)
}

func TestLogin_UpgradesLegacyHash(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	legacy, err := bcrypt.GenerateFromPassword([]byte(alicePass), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = e.repo.Create(ctx, &models.Account{
		Email: aliceEmail, Name: "Alice", PasswordHash: string(legacy), Roles: models.DefaultRoles(),
	})
	require.NoError(t, err)

	require.NoError(t, e.svc.Login(ctx, aliceEmail, alicePass))

	a := e.account(t, aliceEmail)
	assert.True(t, strings.HasPrefix(a.PasswordHash, "$argon2id$"))
	assert.NotNil(t, a.OTP)

	require.NoError(t, e.svc.Login(ctx, aliceEmail, alicePass))
}

func TestVerifyOTP_SingleUse(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)
	code := e.notifier.lastCode(t, aliceEmail)

	pair, err := e.svc.VerifyOTP(ctx, aliceEmail, code)
	require.NoError(t, err)

	a := e.account(t, aliceEmail)
	assert.Nil(t, a.OTP)
	require.NotEmpty(t, a.RefreshTokenHash)
	ok, err := e.hasher.Verify(pair.RefreshToken, a.RefreshTokenHash)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, tok := range []struct {
		s   string
		typ auth.TokenType
	}{{pair.AccessToken, auth.TokenTypeAccess}, {pair.RefreshToken, auth.TokenTypeRefresh}} {
		claims, err := e.issuer.Verify(tok.s, tok.typ)
		require.NoError(t, err)
		assert.Equal(t, auth.Identity{AccountID: res.AccountID, Email: aliceEmail, Name: "Alice"}, claims.Identity())
	}

	_, err = e.svc.VerifyOTP(ctx, aliceEmail, code)
	assert.ErrorIs(t, err, common.ErrNoActiveChallenge)
}

func TestVerifyOTP_Expiry(t *testing.T) {
	t.Run("valid at the deadline", func(t *testing.T) {
		e := newTestEnv(t)
		ctx := context.Background()
		_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
		require.NoError(t, err)

		e.clock.Advance(5 * time.Minute)
		_, err = e.svc.VerifyOTP(ctx, aliceEmail, e.notifier.lastCode(t, aliceEmail))
		assert.NoError(t, err)
	})

	t.Run("expired after the deadline", func(t *testing.T) {
		e := newTestEnv(t)
		ctx := context.Background()
		_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
		require.NoError(t, err)

		e.clock.Advance(5*time.Minute + time.Second)
		_, err = e.svc.VerifyOTP(ctx, aliceEmail, e.notifier.lastCode(t, aliceEmail))
		assert.ErrorIs(t, err, common.ErrChallengeExpired)

		// The stale challenge stays until the next login or resend replaces it.
		assert.NotNil(t, e.account(t, aliceEmail).OTP)
	})
}

func TestVerifyOTP_Failures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.VerifyOTP(ctx, "ghost@example.com", "123456")
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	e.signIn(t, "Alice", aliceEmail, alicePass)
	_, err = e.svc.VerifyOTP(ctx, aliceEmail, "123456")
	assert.ErrorIs(t, err, common.ErrNoActiveChallenge)

	require.NoError(t, e.svc.Login(ctx, aliceEmail, alicePass))
	_, err = e.svc.VerifyOTP(ctx, aliceEmail, "000000")
	assert.ErrorIs(t, err, common.ErrInvalidCode)
	assert.NotNil(t, e.account(t, aliceEmail).OTP)
}

func TestResendOTP_StaleCodeRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)
	stale := e.notifier.lastCode(t, aliceEmail)

	require.NoError(t, e.svc.ResendOTP(ctx, aliceEmail))
	fresh := e.notifier.lastCode(t, aliceEmail)
	require.NotEqual(t, stale, fresh)

	_, err = e.svc.VerifyOTP(ctx, aliceEmail, stale)
	assert.ErrorIs(t, err, common.ErrInvalidCode)

	_, err = e.svc.VerifyOTP(ctx, aliceEmail, fresh)
	assert.NoError(t, err)
}

func TestResendOTP_Failures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.svc.ResendOTP(ctx, "ghost@example.com"), common.ErrAccountNotFound)

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)

	e.otp.err = errors.New("entropy exhausted")
	assert.ErrorIs(t, e.svc.ResendOTP(ctx, aliceEmail), common.ErrorInternal)
	e.otp.err = nil

	e.notifier.fail(errors.New("smtp down"), nil)
	assert.ErrorIs(t, e.svc.ResendOTP(ctx, aliceEmail), common.ErrNotificationFailure)
}

func TestRefresh_Rotation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, first := e.signIn(t, "Alice", aliceEmail, alicePass)

	second, err := e.svc.Refresh(ctx, res.AccountID, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	claims, err := e.issuer.Verify(second.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, res.AccountID, claims.Subject)
	assert.Equal(t, aliceEmail, claims.Email)
	assert.Equal(t, "Alice", claims.Name)

	_, err = e.svc.Refresh(ctx, res.AccountID, first.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)

	_, err = e.svc.Refresh(ctx, res.AccountID, second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_Rejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, pair := e.signIn(t, "Alice", aliceEmail, alicePass)
	_, bobPair := e.signIn(t, "Bob", "bob@example.com", "bob password")

	_, err := e.svc.Refresh(ctx, "missing", pair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	_, err = e.svc.Refresh(ctx, res.AccountID, pair.AccessToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken, "access token presented as refresh")

	_, err = e.svc.Refresh(ctx, res.AccountID, bobPair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken, "token of another account")

	_, err = e.svc.Refresh(ctx, res.AccountID, "garbage")
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)

	e.clock.Advance(7*24*time.Hour + time.Second)
	_, err = e.svc.Refresh(ctx, res.AccountID, pair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken, "expired")
}

func TestRefreshByToken(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, pair := e.signIn(t, "Alice", aliceEmail, alicePass)

	next, err := e.svc.RefreshByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	claims, err := e.issuer.Verify(next.RefreshToken, auth.TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, res.AccountID, claims.Subject)

	_, err = e.svc.RefreshByToken(ctx, "garbage")
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)

	ghost, err := e.issuer.Issue(auth.Identity{AccountID: "ghost"})
	require.NoError(t, err)
	_, err = e.svc.RefreshByToken(ctx, ghost.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, pair := e.signIn(t, "Alice", aliceEmail, alicePass)
	id := auth.Identity{AccountID: res.AccountID, Email: aliceEmail, Name: "Alice"}

	require.NoError(t, e.svc.Logout(ctx, id))
	assert.Empty(t, e.account(t, aliceEmail).RefreshTokenHash)
	require.NoError(t, e.svc.Logout(ctx, id))

	_, err := e.svc.Refresh(ctx, res.AccountID, pair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)

	assert.ErrorIs(t, e.svc.Logout(ctx, auth.Identity{AccountID: "ghost"}), common.ErrAccountNotFound)
}

func TestChangePassword(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, _ := e.signIn(t, "Alice", aliceEmail, alicePass)
	id := auth.Identity{AccountID: res.AccountID, Email: aliceEmail, Name: "Alice"}

	err := e.svc.ChangePassword(ctx, id, alicePass, alicePass)
	assert.ErrorIs(t, err, common.ErrPasswordReuse)

	err = e.svc.ChangePassword(ctx, id, "wrong", "new password")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	err = e.svc.ChangePassword(ctx, auth.Identity{AccountID: "ghost"}, alicePass, "new password")
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	before := e.account(t, aliceEmail)
	require.NoError(t, e.svc.ChangePassword(ctx, id, alicePass, "new password"))
	after := e.account(t, aliceEmail)

	assert.NotEqual(t, before.PasswordHash, after.PasswordHash)
	assert.Equal(t, before.RefreshTokenHash, after.RefreshTokenHash)
	assert.Equal(t, before.OTP, after.OTP)
	assert.Equal(t, []string{aliceEmail}, e.notifier.passwordChanged)

	assert.ErrorIs(t, e.svc.Login(ctx, aliceEmail, alicePass), common.ErrInvalidCredentials)
	assert.NoError(t, e.svc.Login(ctx, aliceEmail, "new password"))
}

func TestChangePassword_NotificationFailureIsNotFatal(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, _ := e.signIn(t, "Alice", aliceEmail, alicePass)
	id := auth.Identity{AccountID: res.AccountID}

	e.notifier.fail(nil, errors.New("smtp down"))
	require.NoError(t, e.svc.ChangePassword(ctx, id, alicePass, "new password"))

	assert.Contains(t, e.logs.String(), `"level":"WARN"`)
	assert.Contains(t, e.logs.String(), "password changed notice not delivered")

	ok, err := e.hasher.Verify("new password", e.account(t, aliceEmail).PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProfile(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, _ := e.signIn(t, "Alice", aliceEmail, alicePass)

	p, err := e.svc.Profile(ctx, auth.Identity{AccountID: res.AccountID})
	require.NoError(t, err)
	assert.Equal(t, &Profile{ID: res.AccountID, Email: aliceEmail, Name: "Alice", Roles: models.DefaultRoles()}, p)

	_, err = e.svc.Profile(ctx, auth.Identity{AccountID: "ghost"})
	assert.ErrorIs(t, err, common.ErrAccountNotFound)
}

func TestAssignRoles(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	admin, _ := e.signIn(t, "Root", "root@example.com", "root password")
	user, _ := e.signIn(t, "Alice", aliceEmail, alicePass)

	_, err := e.repo.UpdateFields(ctx, admin.AccountID, models.AccountPatch{Roles: []models.Role{models.RoleUser, models.RoleAdmin}})
	require.NoError(t, err)

	adminID := auth.Identity{AccountID: admin.AccountID}
	userID := auth.Identity{AccountID: user.AccountID}

	_, err = e.svc.AssignRoles(ctx, userID, admin.AccountID, []models.Role{models.RoleUser})
	assert.ErrorIs(t, err, common.ErrForbidden)

	_, err = e.svc.AssignRoles(ctx, auth.Identity{AccountID: "ghost"}, user.AccountID, []models.Role{models.RoleUser})
	assert.ErrorIs(t, err, common.ErrForbidden)

	_, err = e.svc.AssignRoles(ctx, adminID, user.AccountID, nil)
	assert.ErrorIs(t, err, common.ErrInvalidRole)

	_, err = e.svc.AssignRoles(ctx, adminID, user.AccountID, []models.Role{"superuser"})
	assert.ErrorIs(t, err, common.ErrInvalidRole)

	_, err = e.svc.AssignRoles(ctx, adminID, "ghost", []models.Role{models.RoleUser})
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	p, err := e.svc.AssignRoles(ctx, adminID, user.AccountID,
		[]models.Role{models.RoleModerator, models.RoleUser, models.RoleModerator})
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleModerator, models.RoleUser}, p.Roles)
	assert.Equal(t, p.Roles, e.account(t, aliceEmail).Roles)
}

func TestConcurrentVerifyOTP_OneWinner(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Register(ctx, "Alice", aliceEmail, alicePass)
	require.NoError(t, err)
	code := e.notifier.lastCode(t, aliceEmail)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.VerifyOTP(ctx, aliceEmail, code)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, common.ErrNoActiveChallenge)
	}
	assert.Equal(t, 1, wins)
}

func TestConcurrentRefresh_OneWinner(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, pair := e.signIn(t, "Alice", aliceEmail, alicePass)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.Refresh(ctx, res.AccountID, pair.RefreshToken)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)
	}
	assert.Equal(t, 1, wins)
}

func TestStoreFailuresAreInternal(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, pair := e.signIn(t, "Alice", aliceEmail, alicePass)
	id := auth.Identity{AccountID: res.AccountID}

	e.repo.updateErr = errBackend

	assert.ErrorIs(t, e.svc.Login(ctx, aliceEmail, alicePass), common.ErrorInternal)
	assert.ErrorIs(t, e.svc.Logout(ctx, id), common.ErrorInternal)

	_, err := e.svc.Refresh(ctx, res.AccountID, pair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrorInternal)

	e.repo.updateErr = nil
	e.repo.findErr = errBackend

	_, err = e.svc.VerifyOTP(ctx, aliceEmail, "123456")
	assert.ErrorIs(t, err, common.ErrorInternal)
	_, err = e.svc.Profile(ctx, id)
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.ErrorIs(t, e.svc.ChangePassword(ctx, id, alicePass, "x"), common.ErrorInternal)
}

func TestNormalizeRoles(t *testing.T) {
	got, err := normalizeRoles([]models.Role{models.RoleAdmin, models.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleAdmin}, got)

	_, err = normalizeRoles([]models.Role{})
	assert.ErrorIs(t, err, common.ErrInvalidRole)
}
