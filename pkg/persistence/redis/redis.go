package redis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixAccount     = "merkle:account:"
	keySchemaVersion     = "merkle:metadata:schema_version"
	currentSchemaVersion = "v1"

	// Key set for listing operations (Redis doesn't support prefix iteration natively)
	keySetAccounts = "merkle:accounts:index"
)

// RedisPersistence is a persistence implementation using Redis.
// Updates use WATCH/MULTI optimistic transactions so several server
// instances can share one Redis safely.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string // Custom prefix for all keys
	mu        sync.RWMutex
	closed    bool
}

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string
	// Password is the optional Redis password
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is an optional custom prefix for all keys (for multi-tenant setups).
	// If set, this prefix is prepended to all keys, e.g., "myapp:" would result in
	// keys like "myapp:merkle:account:abc".
	KeyPrefix string
}

// NewRedisPersistence creates a new Redis-backed persistence layer.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)

	return rp, nil
}

// prefixKey adds the custom key prefix (if configured) to a key
func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

func (r *RedisPersistence) accountKey(id string) string {
	return r.prefixKey(keyPrefixAccount + id)
}

// initSchema initializes or validates the schema version
func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if err == redis.Nil {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}

	return nil
}

// watchWithRetry runs fn in a WATCH transaction on key, retrying when another
// client modified the key before EXEC.
func (r *RedisPersistence) watchWithRetry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < persistence.MaxUpdateRetries; attempt++ {
		err := r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		r.logger.Sugar().Debugw("Redis transaction conflict, retrying", "key", key, "attempt", attempt+1)
		if err := persistence.WaitForRetry(ctx, attempt); err != nil {
			return err
		}
	}
	return persistence.ErrUpdateConflict
}

// CreateAccount persists a new account
func (r *RedisPersistence) CreateAccount(ctx context.Context, account *types.MerkleAccount) error {
	if account == nil {
		return fmt.Errorf("cannot save nil MerkleAccount")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalAccount(account)
	if err != nil {
		return fmt.Errorf("failed to marshal MerkleAccount: %w", err)
	}

	key := r.accountKey(account.ID)
	indexKey := r.prefixKey(keySetAccounts)

	return r.watchWithRetry(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return errors.Wrapf(persistence.ErrAccountExists, "account %s", account.ID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, indexKey, account.ID)
			return nil
		})
		return err
	})
}

// LoadAccount retrieves an account by id
func (r *RedisPersistence) LoadAccount(ctx context.Context, id string) (*types.MerkleAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	data, err := r.client.Get(ctx, r.accountKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load MerkleAccount: %w", err)
	}

	account, err := persistence.UnmarshalAccount(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal MerkleAccount: %w", err)
	}

	return account, nil
}

// UpdateAccount applies fn inside a WATCH/MULTI transaction on the account key
func (r *RedisPersistence) UpdateAccount(ctx context.Context, id string, fn persistence.AccountUpdateFunc) (*types.MerkleAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	key := r.accountKey(id)

	var result *types.MerkleAccount
	err := r.watchWithRetry(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errors.Wrapf(persistence.ErrAccountNotFound, "account %s", id)
		}
		if err != nil {
			return err
		}

		current, err := persistence.UnmarshalAccount(data)
		if err != nil {
			return fmt.Errorf("failed to unmarshal MerkleAccount: %w", err)
		}

		updated, err := persistence.ApplyUpdate(current, fn)
		if err != nil {
			return err
		}

		encoded, err := persistence.MarshalAccount(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal MerkleAccount: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
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

// ListAccountIDs returns all account ids sorted ascending
func (r *RedisPersistence) ListAccountIDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ids, err := r.client.SMembers(ctx, r.prefixKey(keySetAccounts)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list MerkleAccount ids: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}

// Close shuts down the persistence layer
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil // Already closed, idempotent
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

// HealthCheck verifies the persistence layer is operational
func (r *RedisPersistence) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if err == redis.Nil {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}

	return nil
}
