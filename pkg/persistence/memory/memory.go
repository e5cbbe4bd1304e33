package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// MemoryPersistence is an in-memory implementation of IAccountPersistence.
// This implementation is intended for TESTING ONLY.
//
// All data is stored in memory and will be lost when the process exits.
// Thread-safe using sync.RWMutex for concurrent access.
// Deep copies accounts to prevent external mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	// Account storage: id -> MerkleAccount
	accounts map[string]*types.MerkleAccount

	// Closed flag
	closed bool
}

// NewMemoryPersistence creates a new in-memory persistence layer.
// Prints a loud warning since this should only be used for testing.
func NewMemoryPersistence() *MemoryPersistence {
	fmt.Println("⚠️  WARNING: Using in-memory persistence - ALL ACCOUNTS WILL BE LOST ON RESTART")
	fmt.Println("⚠️  This should ONLY be used for testing. Set MERKLE_PERSISTENCE_TYPE=badger for production")

	return &MemoryPersistence{
		accounts: make(map[string]*types.MerkleAccount),
	}
}

// CreateAccount persists a new account.
func (m *MemoryPersistence) CreateAccount(ctx context.Context, account *types.MerkleAccount) error {
	if account == nil {
		return fmt.Errorf("cannot save nil MerkleAccount")
	}
	if err := account.Validate(); err != nil {
		return errors.Wrap(err, "cannot save invalid MerkleAccount")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	if _, exists := m.accounts[account.ID]; exists {
		return errors.Wrapf(persistence.ErrAccountExists, "account %s", account.ID)
	}

	// Deep copy to prevent external mutation
	m.accounts[account.ID] = account.Clone()
	return nil
}

// LoadAccount retrieves an account by id.
func (m *MemoryPersistence) LoadAccount(ctx context.Context, id string) (*types.MerkleAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	account, exists := m.accounts[id]
	if !exists {
		return nil, nil // Not found is not an error
	}

	return account.Clone(), nil
}

// UpdateAccount applies fn under the write lock.
func (m *MemoryPersistence) UpdateAccount(ctx context.Context, id string, fn persistence.AccountUpdateFunc) (*types.MerkleAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	current, exists := m.accounts[id]
	if !exists {
		return nil, errors.Wrapf(persistence.ErrAccountNotFound, "account %s", id)
	}

	updated, err := persistence.ApplyUpdate(current, fn)
	if err != nil {
		return nil, err
	}

	m.accounts[id] = updated.Clone()
	return updated, nil
}

// ListAccountIDs returns all account ids sorted ascending.
func (m *MemoryPersistence) ListAccountIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids, nil
}

// Close marks the persistence layer as closed.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (m *MemoryPersistence) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return persistence.ErrClosed
	}

	return nil
}
