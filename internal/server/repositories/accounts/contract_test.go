package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRepositoryContract exercises the behaviour every Repository
// implementation must share.
func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	newAccount := func() *models.Account {
		return &models.Account{
			Email:        uuid.NewString() + "@example.com",
			Name:         "Alice",
			PasswordHash: "pw-hash",
			Roles:        models.DefaultRoles(),
			OTP:          &models.OTPChallenge{Hash: "otp-hash", ExpiresAt: time.Now().Add(5 * time.Minute).UTC().Truncate(time.Millisecond)},
		}
	}

	t.Run("create and find", func(t *testing.T) {
		in := newAccount()
		created, err := repo.Create(ctx, in)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Empty(t, in.ID, "input must not be mutated")

		byID, err := repo.FindByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, in.Email, byID.Email)
		assert.Equal(t, models.DefaultRoles(), byID.Roles)
		require.NotNil(t, byID.OTP)
		assert.Equal(t, "otp-hash", byID.OTP.Hash)
		assert.True(t, in.OTP.ExpiresAt.Equal(byID.OTP.ExpiresAt))
		assert.Empty(t, byID.RefreshTokenHash)

		byEmail, err := repo.FindByEmail(ctx, in.Email)
		require.NoError(t, err)
		assert.Equal(t, created.ID, byEmail.ID)
	})

	t.Run("duplicate email conflicts and leaves original untouched", func(t *testing.T) {
		first, err := repo.Create(ctx, newAccount())
		require.NoError(t, err)

		dup := newAccount()
		dup.Email = first.Email
		dup.Name = "Mallory"
		dup.PasswordHash = "other"

		_, err = repo.Create(ctx, dup)
		require.ErrorIs(t, err, common.ErrConflict)

		stored, err := repo.FindByEmail(ctx, first.Email)
		require.NoError(t, err)
		assert.Equal(t, first.ID, stored.ID)
		assert.Equal(t, "Alice", stored.Name)
		assert.Equal(t, "pw-hash", stored.PasswordHash)
	})

	t.Run("missing records", func(t *testing.T) {
		_, err := repo.FindByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, common.ErrorNotFound)

		_, err = repo.FindByEmail(ctx, "nobody-"+uuid.NewString()+"@example.com")
		assert.ErrorIs(t, err, common.ErrorNotFound)

		name := "x"
		_, err = repo.UpdateFields(ctx, uuid.NewString(), models.AccountPatch{Name: &name})
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("update applies only given fields", func(t *testing.T) {
		created, err := repo.Create(ctx, newAccount())
		require.NoError(t, err)

		rt := "refresh-hash"
		updated, err := repo.UpdateFields(ctx, created.ID, models.AccountPatch{SetRefreshTokenHash: &rt, ClearOTP: true})
		require.NoError(t, err)
		assert.Nil(t, updated.OTP)
		assert.Equal(t, "refresh-hash", updated.RefreshTokenHash)

		stored, err := repo.FindByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.OTP)
		assert.Equal(t, "refresh-hash", stored.RefreshTokenHash)
		assert.Equal(t, "pw-hash", stored.PasswordHash)
		assert.Equal(t, "Alice", stored.Name)
		assert.Equal(t, created.Email, stored.Email)
	})

	t.Run("stale guard writes nothing", func(t *testing.T) {
		created, err := repo.Create(ctx, newAccount())
		require.NoError(t, err)

		wrong := "not-the-otp"
		rt := "refresh-hash"
		_, err = repo.UpdateFields(ctx, created.ID, models.AccountPatch{
			IfOTPHash: &wrong, ClearOTP: true, SetRefreshTokenHash: &rt,
		})
		require.ErrorIs(t, err, common.ErrStaleState)

		stored, err := repo.FindByID(ctx, created.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored.OTP)
		assert.Empty(t, stored.RefreshTokenHash)
	})

	t.Run("concurrent guarded updates succeed once", func(t *testing.T) {
		created, err := repo.Create(ctx, newAccount())
		require.NoError(t, err)

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		guard := "otp-hash"

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.UpdateFields(ctx, created.ID, models.AccountPatch{IfOTPHash: &guard, ClearOTP: true})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, common.ErrStaleState)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
	})
}
