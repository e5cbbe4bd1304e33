package persistence

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// MaxUpdateRetries bounds how often optimistic backends retry a conflicting update
const MaxUpdateRetries = 50

var (
	ErrClosed          = errors.New("persistence layer is closed")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrCorruptRecord   = errors.New("corrupt account record")
	ErrUpdateConflict  = errors.New("account update conflicted too many times")
)

// ApplyUpdate runs fn against a copy of current and validates the result.
// Backends call it inside their transaction so every backend enforces the
// same rules on what an update may change.
func ApplyUpdate(current *types.MerkleAccount, fn AccountUpdateFunc) (*types.MerkleAccount, error) {
	if fn == nil {
		return nil, errors.New("update function cannot be nil")
	}

	updated, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, errors.New("update function returned nil account")
	}
	if updated.ID != current.ID {
		return nil, errors.Errorf("update cannot change account id from %q to %q", current.ID, updated.ID)
	}
	if err := updated.Validate(); err != nil {
		return nil, errors.Wrap(err, "updated account is invalid")
	}
	return updated, nil
}

// WaitForRetry sleeps before retrying a conflicting update. The delay grows with
// attempt and is jittered so contending writers spread out.
func WaitForRetry(ctx context.Context, attempt int) error {
	base := time.Millisecond << uint(min(attempt, 6))
	delay := base/2 + time.Duration(rand.Int63n(int64(base)))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
