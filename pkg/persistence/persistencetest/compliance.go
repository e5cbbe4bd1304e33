// Package persistencetest contains a compliance suite shared by every
// persistence.IAccountPersistence backend.
package persistencetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// Factory returns a fresh, open backend. Backends shared between subtests
// are fine since every subtest uses unique account ids.
type Factory func(t *testing.T) persistence.IAccountPersistence

// NewAccount returns a valid empty account with a unique id
func NewAccount(prefix string) *types.MerkleAccount {
	return &types.MerkleAccount{
		ID:           fmt.Sprintf("%s-%s", prefix, uuid.NewString()),
		Authority:    "authority",
		HashFunction: "sha256",
		LeafPolicy:   "auto",
		MaxLeaves:    types.DefaultMaxLeaves,
		Leaves:       [][]byte{},
	}
}

func appendLeaf(leaf []byte) persistence.AccountUpdateFunc {
	return func(a *types.MerkleAccount) (*types.MerkleAccount, error) {
		a.Leaves = append(a.Leaves, leaf)
		a.LeafCount++
		a.Root[0]++
		return a, nil
	}
}

func TestAccountPersistenceCompliance(t *testing.T, f Factory) {
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		p := f(t)
		account := NewAccount("create")
		require.NoError(t, p.CreateAccount(ctx, account))

		loaded, err := p.LoadAccount(ctx, account.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, account, loaded)
	})

	t.Run("load not found", func(t *testing.T) {
		p := f(t)
		loaded, err := p.LoadAccount(ctx, "missing-"+uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("create nil", func(t *testing.T) {
		p := f(t)
		err := p.CreateAccount(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nil MerkleAccount")
	})

	t.Run("create duplicate", func(t *testing.T) {
		p := f(t)
		account := NewAccount("dup")
		require.NoError(t, p.CreateAccount(ctx, account))

		other := account.Clone()
		other.Authority = "mallory"
		err := p.CreateAccount(ctx, other)
		require.Error(t, err)
		assert.True(t, errors.Is(err, persistence.ErrAccountExists))

		loaded, err := p.LoadAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "authority", loaded.Authority)
	})

	t.Run("update", func(t *testing.T) {
		p := f(t)
		account := NewAccount("update")
		require.NoError(t, p.CreateAccount(ctx, account))

		updated, err := p.UpdateAccount(ctx, account.ID, appendLeaf([]byte("Test-string1")))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), updated.LeafCount)

		loaded, err := p.LoadAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, updated, loaded)
		assert.Equal(t, [][]byte{[]byte("Test-string1")}, loaded.Leaves)
	})

	t.Run("update not found", func(t *testing.T) {
		p := f(t)
		_, err := p.UpdateAccount(ctx, "missing-"+uuid.NewString(), appendLeaf([]byte("x")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, persistence.ErrAccountNotFound))
	})

	t.Run("update callback error leaves account unchanged", func(t *testing.T) {
		p := f(t)
		account := NewAccount("abort")
		require.NoError(t, p.CreateAccount(ctx, account))

		sentinel := errors.New("abort")
		_, err := p.UpdateAccount(ctx, account.ID, func(a *types.MerkleAccount) (*types.MerkleAccount, error) {
			a.Leaves = append(a.Leaves, []byte("never stored"))
			a.LeafCount++
			return nil, sentinel
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, sentinel))

		loaded, err := p.LoadAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), loaded.LeafCount)
		assert.Empty(t, loaded.Leaves)
	})

	t.Run("loaded account is a copy", func(t *testing.T) {
		p := f(t)
		account := NewAccount("copy")
		require.NoError(t, p.CreateAccount(ctx, account))
		_, err := p.UpdateAccount(ctx, account.ID, appendLeaf([]byte("abc")))
		require.NoError(t, err)

		loaded, err := p.LoadAccount(ctx, account.ID)
		require.NoError(t, err)
		loaded.Leaves[0][0] = 'z'
		loaded.Authority = "changed"

		again, err := p.LoadAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again.Leaves[0])
		assert.Equal(t, "authority", again.Authority)
	})

	t.Run("list", func(t *testing.T) {
		p := f(t)
		created := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			account := NewAccount("list")
			require.NoError(t, p.CreateAccount(ctx, account))
			created = append(created, account.ID)
		}

		ids, err := p.ListAccountIDs(ctx)
		require.NoError(t, err)
		for _, id := range created {
			assert.Contains(t, ids, id)
		}
		assert.IsIncreasing(t, ids)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		p := f(t)
		account := NewAccount("concurrent")
		require.NoError(t, p.CreateAccount(ctx, account))

		var wg sync.WaitGroup
		numGoroutines := 8
		numOperations := 5

		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < numOperations; j++ {
					_, err := p.UpdateAccount(ctx, account.ID, appendLeaf([]byte(fmt.Sprintf("%d-%d", id, j))))
					assert.NoError(t, err)
				}
			}(i)
		}
		wg.Wait()

		loaded, err := p.LoadAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(numGoroutines*numOperations), loaded.LeafCount)
		assert.Len(t, loaded.Leaves, numGoroutines*numOperations)
	})

	t.Run("health check", func(t *testing.T) {
		p := f(t)
		assert.NoError(t, p.HealthCheck(ctx))
	})
}

// TestClosed checks that every operation fails after Close and that Close is idempotent.
func TestClosed(t *testing.T, p persistence.IAccountPersistence) {
	ctx := context.Background()

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.CreateAccount(ctx, NewAccount("closed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	_, err = p.LoadAccount(ctx, "any")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	_, err = p.UpdateAccount(ctx, "any", appendLeaf([]byte("x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	_, err = p.ListAccountIDs(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	err = p.HealthCheck(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
