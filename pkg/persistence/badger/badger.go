package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// Key prefixes for namespacing
const (
	keyPrefixAccount     = "account:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerPersistence is a production-ready persistence implementation using Badger.
// Provides durable, disk-based storage with ACID guarantees.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerPersistence creates a new Badger-backed persistence layer.
// The database is opened at the specified path with SyncWrites enabled for durability.
// A background goroutine is started for garbage collection.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

// initSchema initializes or validates the schema version
func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}

		return nil
	})
}

// runGC runs periodic garbage collection in the background
func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func accountKey(id string) []byte {
	return []byte(keyPrefixAccount + id)
}

// updateWithRetry runs fn in a read-write transaction, retrying when badger
// reports a conflict with a concurrent transaction.
func (b *BadgerPersistence) updateWithRetry(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	for attempt := 0; attempt < persistence.MaxUpdateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}

		b.logger.Sugar().Debugw("Badger transaction conflict, retrying", "attempt", attempt+1)
		if err := persistence.WaitForRetry(ctx, attempt); err != nil {
			return err
		}
	}
	return persistence.ErrUpdateConflict
}

func readAccount(txn *badgerdb.Txn, id string) (*types.MerkleAccount, error) {
	item, err := txn.Get(accountKey(id))
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var data []byte
	err = item.Value(func(val []byte) error {
		data = append([]byte{}, val...) // Copy value
		return nil
	})
	if err != nil {
		return nil, err
	}

	account, err := persistence.UnmarshalAccount(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal MerkleAccount %s: %w", id, err)
	}
	return account, nil
}

// CreateAccount persists a new account
func (b *BadgerPersistence) CreateAccount(ctx context.Context, account *types.MerkleAccount) error {
	if account == nil {
		return fmt.Errorf("cannot save nil MerkleAccount")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalAccount(account)
	if err != nil {
		return fmt.Errorf("failed to marshal MerkleAccount: %w", err)
	}

	return b.updateWithRetry(ctx, func(txn *badgerdb.Txn) error {
		_, err := txn.Get(accountKey(account.ID))
		if err == nil {
			return errors.Wrapf(persistence.ErrAccountExists, "account %s", account.ID)
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Set(accountKey(account.ID), data)
	})
}

// LoadAccount retrieves an account by id
func (b *BadgerPersistence) LoadAccount(ctx context.Context, id string) (*types.MerkleAccount, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	var account *types.MerkleAccount
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		account, err = readAccount(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load MerkleAccount: %w", err)
	}

	return account, nil
}

// UpdateAccount applies fn inside a badger transaction. Conflicting
// concurrent updates are retried, which re-runs fn against fresh state.
func (b *BadgerPersistence) UpdateAccount(ctx context.Context, id string, fn persistence.AccountUpdateFunc) (*types.MerkleAccount, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	var result *types.MerkleAccount
	err := b.updateWithRetry(ctx, func(txn *badgerdb.Txn) error {
		current, err := readAccount(txn, id)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.Wrapf(persistence.ErrAccountNotFound, "account %s", id)
		}

		updated, err := persistence.ApplyUpdate(current, fn)
		if err != nil {
			return err
		}

		data, err := persistence.MarshalAccount(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal MerkleAccount: %w", err)
		}
		if err := txn.Set(accountKey(id), data); err != nil {
			return err
		}

		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListAccountIDs returns all account ids; badger iterates keys in sorted order
func (b *BadgerPersistence) ListAccountIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	ids := make([]string, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefixAccount)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, keyPrefixAccount))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list MerkleAccounts: %w", err)
	}

	return ids, nil
}

// Close shuts down the persistence layer
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil // Already closed, idempotent
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

// HealthCheck verifies the persistence layer is operational
func (b *BadgerPersistence) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}
