package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	accountKeyPrefix = "gophauth:account:"
	emailKeyPrefix   = "gophauth:account-email:"
)

// accountDoc is the JSON document stored per account.
type accountDoc struct {
	ID               string        `json:"id"`
	Email            string        `json:"email"`
	Name             string        `json:"name"`
	PasswordHash     string        `json:"password_hash"`
	Roles            []models.Role `json:"roles"`
	OTPHash          string        `json:"otp_hash,omitempty"`
	OTPExpiresAt     *time.Time    `json:"otp_expires_at,omitempty"`
	RefreshTokenHash string        `json:"refresh_token_hash,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func toDoc(a *models.Account) accountDoc {
	d := accountDoc{
		ID:               a.ID,
		Email:            a.Email,
		Name:             a.Name,
		PasswordHash:     a.PasswordHash,
		Roles:            a.Roles,
		RefreshTokenHash: a.RefreshTokenHash,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
	if a.OTP != nil {
		expires := a.OTP.ExpiresAt
		d.OTPHash = a.OTP.Hash
		d.OTPExpiresAt = &expires
	}
	return d
}

func (d accountDoc) account() *models.Account {
	a := &models.Account{
		ID:               d.ID,
		Email:            d.Email,
		Name:             d.Name,
		PasswordHash:     d.PasswordHash,
		Roles:            d.Roles,
		RefreshTokenHash: d.RefreshTokenHash,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.OTPHash != "" && d.OTPExpiresAt != nil {
		a.OTP = &models.OTPChallenge{Hash: d.OTPHash, ExpiresAt: *d.OTPExpiresAt}
	}
	return a
}

// RedisRepository stores each account as a JSON string under
// gophauth:account:<id> and keeps a gophauth:account-email:<email> → id index.
// Updates run under WATCH and are retried when a concurrent writer aborts
// the transaction.
type RedisRepository struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisRepository(rdb redis.UniversalClient) *RedisRepository {
	return &RedisRepository{rdb: rdb, now: time.Now}
}

func (r *RedisRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	a := account.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now

	body, err := json.Marshal(toDoc(a))
	if err != nil {
		return nil, fmt.Errorf("encode account: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, emailKeyPrefix+a.Email, a.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if !ok {
		return nil, common.ErrConflict
	}

	if err := r.rdb.Set(ctx, accountKeyPrefix+a.ID, body, 0).Err(); err != nil {
		// release the email so a retry can register it
		_ = r.rdb.Del(context.WithoutCancel(ctx), emailKeyPrefix+a.Email).Err()
		return nil, fmt.Errorf("redis error: %w", err)
	}

	return a, nil
}

func (r *RedisRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	return r.get(ctx, r.rdb, id)
}

func (r *RedisRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	id, err := r.rdb.Get(ctx, emailKeyPrefix+email).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("redis error: %w", err)
	}
	return r.get(ctx, r.rdb, id)
}

// stringGetter is satisfied by both the client and a WATCH transaction.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRepository) get(ctx context.Context, c stringGetter, id string) (*models.Account, error) {
	body, err := c.Get(ctx, accountKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var d accountDoc
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return d.account(), nil
}

// maxWatchRetries bounds the WATCH/EXEC loop in UpdateFields.
const maxWatchRetries = 32

// UpdateFields re-reads and re-applies the patch whenever another writer
// touches the key between WATCH and EXEC. Guards are checked on every
// re-read, so ErrStaleState means the guarded value itself changed.
func (r *RedisRepository) UpdateFields(ctx context.Context, id string, patch models.AccountPatch) (*models.Account, error) {
	key := accountKeyPrefix + id
	var updated *models.Account

	txf := func(tx *redis.Tx) error {
		a, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !patch.GuardsHold(a) {
			return common.ErrStaleState
		}
		patch.Apply(a, r.now())

		body, err := json.Marshal(toDoc(a))
		if err != nil {
			return fmt.Errorf("encode account: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = a
		return nil
	}

	var err error
	for range maxWatchRetries {
		err = r.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, common.ErrorNotFound), errors.Is(err, common.ErrStaleState):
		return nil, err
	default:
		return nil, fmt.Errorf("redis error: %w", err)
	}
}
