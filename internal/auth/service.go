package auth

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the account service.
type Service interface {
	Register(ctx context.Context, in RegisterInput) (*Account, error)
	CreateAccount(ctx context.Context, in CreateAccountInput) (*Account, error)
	Login(ctx context.Context, username, password string) (*Session, error)
	Authenticate(ctx context.Context, token string) (*Principal, error)
	Me(ctx context.Context, p *Principal) (*Account, *Profile, error)
	GrantPermissions(ctx context.Context, p *Principal, accountID uuid.UUID, perms []Permission) error
	DeleteAccount(ctx context.Context, p *Principal, accountID uuid.UUID) error
}

// Repository persists accounts, credentials and profiles.
type Repository interface {
	// CreateAccount stores all three records atomically. A taken username
	// fails with apperr.ErrConflict.
	CreateAccount(ctx context.Context, a *Account, c *Credential, p *Profile) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)
	GetCredential(ctx context.Context, accountID uuid.UUID) (*Credential, error)
	GetProfile(ctx context.Context, accountID uuid.UUID) (*Profile, error)
	SetPermissions(ctx context.Context, accountID uuid.UUID, perms []Permission) error
	// DeleteAccount removes the account and its profile and clears it as
	// borrower of any book instance.
	DeleteAccount(ctx context.Context, id uuid.UUID) error
}
