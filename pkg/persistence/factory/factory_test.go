package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/config"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/logger"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/badger"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/memory"
)

func TestNewPersistence(t *testing.T) {
	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})

	t.Run("memory", func(t *testing.T) {
		p, err := NewPersistence(&config.PersistenceConfig{Type: config.PersistenceTypeMemory}, testLogger)
		require.NoError(t, err)
		defer func() { _ = p.Close() }()
		assert.IsType(t, &memory.MemoryPersistence{}, p)
		assert.NoError(t, p.HealthCheck(context.Background()))
	})

	t.Run("badger", func(t *testing.T) {
		p, err := NewPersistence(&config.PersistenceConfig{
			Type:       config.PersistenceTypeBadger,
			BadgerPath: t.TempDir(),
		}, testLogger)
		require.NoError(t, err)
		defer func() { _ = p.Close() }()
		assert.IsType(t, &badger.BadgerPersistence{}, p)
	})

	t.Run("redis without address", func(t *testing.T) {
		_, err := NewPersistence(&config.PersistenceConfig{Type: config.PersistenceTypeRedis}, testLogger)
		assert.Error(t, err)
	})

	t.Run("postgres without url", func(t *testing.T) {
		_, err := NewPersistence(&config.PersistenceConfig{Type: config.PersistenceTypePostgres}, testLogger)
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewPersistence(&config.PersistenceConfig{Type: "sqlite"}, testLogger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported persistence type")
	})

	t.Run("nil", func(t *testing.T) {
		_, err := NewPersistence(nil, testLogger)
		assert.Error(t, err)
	})
}
