package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepository stores accounts in the "accounts" table. Roles are kept
// as a comma-separated list; the OTP pair maps to two nullable columns guarded
// by a CHECK constraint.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

const accountColumns = `id, email, name, password_hash, roles, otp_hash, otp_expires_at, refresh_token_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a           models.Account
		roles       string
		otpHash     sql.NullString
		otpExpires  sql.NullTime
		refreshHash sql.NullString
	)

	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &roles,
		&otpHash, &otpExpires, &refreshHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Roles = decodeRoles(roles)
	if otpHash.Valid && otpExpires.Valid {
		a.OTP = &models.OTPChallenge{Hash: otpHash.String, ExpiresAt: otpExpires.Time}
	}
	a.RefreshTokenHash = refreshHash.String

	return &a, nil
}

func encodeRoles(roles []models.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func decodeRoles(s string) []models.Role {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := make([]models.Role, len(parts))
	for i, p := range parts {
		roles[i] = models.Role(p)
	}
	return roles
}

func otpColumns(otp *models.OTPChallenge) (sql.NullString, sql.NullTime) {
	if otp == nil {
		return sql.NullString{}, sql.NullTime{}
	}
	return sql.NullString{String: otp.Hash, Valid: true}, sql.NullTime{Time: otp.ExpiresAt, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	a := account.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now

	otpHash, otpExpires := otpColumns(a.OTP)

	query :=
		`INSERT INTO accounts (id, email, name, password_hash, roles, otp_hash, otp_expires_at, refresh_token_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 `

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.Email, a.Name, a.PasswordHash, encodeRoles(a.Roles),
		otpHash, otpExpires, nullIfEmpty(a.RefreshTokenHash), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, common.ErrConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return a, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.findOne(ctx, r.db, query, id)
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return r.findOne(ctx, r.db, query, email)
}

func (r *PostgresRepository) findOne(ctx context.Context, db dbx.DBTX, query string, arg any) (*models.Account, error) {
	a, err := scanAccount(db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// UpdateFields locks the row, checks the patch guards against the locked
// state and writes the patched row back in the same transaction.
func (r *PostgresRepository) UpdateFields(ctx context.Context, id string, patch models.AccountPatch) (*models.Account, error) {
	var updated *models.Account

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
		a, err := r.findOne(ctx, tx, query, id)
		if err != nil {
			return err
		}

		if !patch.GuardsHold(a) {
			return common.ErrStaleState
		}
		patch.Apply(a, r.now())

		otpHash, otpExpires := otpColumns(a.OTP)

		update :=
			`UPDATE accounts
			 SET name = $2, password_hash = $3, roles = $4, otp_hash = $5, otp_expires_at = $6,
			     refresh_token_hash = $7, updated_at = $8
			 WHERE id = $1
			 `
		if _, err := tx.ExecContext(ctx, update,
			a.ID, a.Name, a.PasswordHash, encodeRoles(a.Roles),
			otpHash, otpExpires, nullIfEmpty(a.RefreshTokenHash), a.UpdatedAt); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}
