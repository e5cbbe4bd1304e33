package persistence

import (
	"context"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// AccountUpdateFunc receives a private copy of the stored account and returns
// the account to store in its place. Returning an error aborts the update and
// leaves the stored account untouched.
type AccountUpdateFunc func(account *types.MerkleAccount) (*types.MerkleAccount, error)

// IAccountPersistence defines the interface for storing merkle accounts.
// All implementations must be thread-safe as the ledger serves concurrent requests.
//
// The interface supports:
// - Account creation (fails if the id is taken)
// - Reads of a single account and of all account ids
// - Atomic read-modify-write of one account, the only way leaves change
// - Lifecycle management (close, health check)
type IAccountPersistence interface {
	// Account Management

	// CreateAccount persists a new account.
	// Returns ErrAccountExists if an account with the same id is already stored.
	CreateAccount(ctx context.Context, account *types.MerkleAccount) error

	// LoadAccount retrieves an account by id.
	// Returns nil if the account doesn't exist, error only on storage failure.
	LoadAccount(ctx context.Context, id string) (*types.MerkleAccount, error)

	// UpdateAccount applies fn to the stored account and persists the result
	// atomically with respect to every other UpdateAccount call on the same id.
	// Concurrent updates are serialized; fn may be invoked more than once when a
	// backend retries an optimistic transaction, so it must not have side effects.
	// Returns ErrAccountNotFound if the account doesn't exist.
	UpdateAccount(ctx context.Context, id string, fn AccountUpdateFunc) (*types.MerkleAccount, error)

	// ListAccountIDs returns all stored account ids sorted ascending.
	// Returns empty slice if no accounts exist, error only on storage failure.
	ListAccountIDs(ctx context.Context) ([]string, error)

	// Lifecycle Management

	// Close cleanly shuts down the persistence layer.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations return ErrClosed.
	Close() error

	// HealthCheck verifies the persistence layer is operational.
	// Returns nil if healthy, error describing the problem if not.
	HealthCheck(ctx context.Context) error
}
