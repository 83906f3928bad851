package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record doesn't exist
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when a create hits a unique constraint.
// Callers branch on this code: an email collision during account creation
// is recovered, not surfaced.
var ErrAlreadyExists = errors.New("record already exists")

// Account is the local account record referenced by identity mappings,
// role records, and the session provider's credential for the same id.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Mapping links a federated external identity to a local account.
// One external id maps to at most one account id; the account id never
// changes once created except by explicit deletion and recreation.
type Mapping struct {
	ExternalID  string    `json:"external_id"`
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Email       string    `json:"email,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Professional is the role record for a professional account.
// Deactivated professionals keep their record but lose routing priority.
type Professional struct {
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Deactivated bool      `json:"deactivated"`
	CreatedAt   time.Time `json:"created_at"`
}

// Client is the role record for a client account.
type Client struct {
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountStore manages local account records.
type AccountStore interface {
	// CreateAccount creates an account, returning ErrAlreadyExists when the
	// email is already registered (the email is the unique key).
	CreateAccount(ctx context.Context, email string) (Account, error)

	// GetAccount returns ErrNotFound when the id does not resolve to a live
	// account. Mapping verification depends on that distinction.
	GetAccount(ctx context.Context, id string) (Account, error)

	// GetAccountByEmail is the recovery lookup used to adopt an existing
	// account after a create conflict.
	GetAccountByEmail(ctx context.Context, email string) (Account, error)

	DeleteAccount(ctx context.Context, id string) error
}

// MappingStore manages the external-identity to local-account mapping.
type MappingStore interface {
	LookupMapping(ctx context.Context, externalID string) (Mapping, error)
	UpsertMapping(ctx context.Context, m Mapping) error
	DeleteMapping(ctx context.Context, externalID string) error
}

// RoleStore manages role-specific records keyed by account id.
// Upserts are idempotent; repeat provisioning must not error.
type RoleStore interface {
	GetProfessional(ctx context.Context, accountID string) (Professional, error)
	UpsertProfessional(ctx context.Context, p Professional) error
	GetClient(ctx context.Context, accountID string) (Client, error)
	UpsertClient(ctx context.Context, c Client) error
}

// Store combines the persistence capabilities needed by the federation core
type Store interface {
	AccountStore
	MappingStore
	RoleStore
}
