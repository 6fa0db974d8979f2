// Package accounts declares the credential store contract and its
// PostgreSQL, Redis and in-memory implementations.
package accounts

import (
	"context"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository persists account records. Implementations must hand out copies,
// never shared pointers, and must apply UpdateFields atomically.
type Repository interface {
	// Create stores a new account, assigning an ID when it is empty.
	// Returns common.ErrConflict if the email is already taken.
	Create(ctx context.Context, account *models.Account) (*models.Account, error)

	// FindByID returns common.ErrorNotFound when the account is absent.
	FindByID(ctx context.Context, id string) (*models.Account, error)

	// FindByEmail returns common.ErrorNotFound when no account has the email.
	FindByEmail(ctx context.Context, email string) (*models.Account, error)

	// UpdateFields applies patch to the account and returns the updated record.
	// Only the fields set in patch change. Returns common.ErrorNotFound for a
	// missing account and common.ErrStaleState when a patch guard no longer
	// matches; in both cases nothing is written.
	UpdateFields(ctx context.Context, id string, patch models.AccountPatch) (*models.Account, error)
}
