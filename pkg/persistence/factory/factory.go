package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/config"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/badger"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/memory"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/postgres"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/redis"
)

// NewPersistence opens the account store selected by cfg.Type
func NewPersistence(cfg *config.PersistenceConfig, logger *zap.Logger) (persistence.IAccountPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("persistence config cannot be nil")
	}

	var (
		p   persistence.IAccountPersistence
		err error
	)
	switch cfg.Type {
	case config.PersistenceTypeMemory:
		p = memory.NewMemoryPersistence()
	case config.PersistenceTypeBadger:
		p, err = badger.NewBadgerPersistence(cfg.BadgerPath, logger)
	case config.PersistenceTypeRedis:
		p, err = redis.NewRedisPersistence(&redis.RedisConfig{
			Address:   cfg.RedisAddress,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, logger)
	case config.PersistenceTypePostgres:
		p, err = postgres.NewPostgresPersistence(&postgres.PostgresConfig{
			URL:       cfg.PostgresURL,
			TableName: cfg.PostgresTable,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported persistence type %q (supported: %s)", cfg.Type, config.GetSupportedPersistenceTypesString())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s persistence: %w", cfg.Type, err)
	}

	return p, nil
}
