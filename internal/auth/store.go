package auth

import (
	"context"

	"github.com/google/uuid"

	"tessera.dev/internal/ledger"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Tokens(ctx context.Context) ledger.Store
	// InTx runs fn against a store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Store) error) error
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id uuid.UUID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID) error
	// MarkEmailVerified sets email_verified_at once. It reports false when
	// the address was already verified or the user does not exist.
	MarkEmailVerified(ctx context.Context, id uuid.UUID) (bool, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	UpdateName(ctx context.Context, id uuid.UUID, firstName, lastName string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
