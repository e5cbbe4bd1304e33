package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

const DefaultTableName = "merkle_accounts"

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgresConfig holds the configuration for connecting to Postgres
type PostgresConfig struct {
	// URL is a libpq style connection string or postgres:// URL
	URL string
	// TableName overrides the account table, defaults to merkle_accounts
	TableName string
}

// PostgresPersistence stores each account record as a BYTEA row.
// Updates lock the row with SELECT ... FOR UPDATE for the duration of the callback.
type PostgresPersistence struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	table  string
	mu     sync.RWMutex
	closed bool

	// Queries are built once since the table name is configurable
	insertQuery string
	selectQuery string
	lockQuery   string
	updateQuery string
	listQuery   string
}

// NewPostgresPersistence connects to Postgres and creates the account table if needed.
func NewPostgresPersistence(cfg *PostgresConfig, logger *zap.Logger) (*PostgresPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url cannot be empty")
	}

	table := cfg.TableName
	if table == "" {
		table = DefaultTableName
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pp := &PostgresPersistence{
		pool:        pool,
		logger:      logger,
		table:       table,
		insertQuery: fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, table),
		selectQuery: fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, table),
		lockQuery:   fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 FOR UPDATE`, table),
		updateQuery: fmt.Sprintf(`UPDATE %s SET data = $2, updated_at = now() WHERE id = $1`, table),
		listQuery:   fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, table),
	}

	if err := pp.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Postgres persistence initialized", "table", table)

	return pp, nil
}

func (p *PostgresPersistence) initSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table))
	return err
}

// CreateAccount persists a new account
func (p *PostgresPersistence) CreateAccount(ctx context.Context, account *types.MerkleAccount) error {
	if account == nil {
		return fmt.Errorf("cannot save nil MerkleAccount")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalAccount(account)
	if err != nil {
		return fmt.Errorf("failed to marshal MerkleAccount: %w", err)
	}

	tag, err := p.pool.Exec(ctx, p.insertQuery, account.ID, data)
	if err != nil {
		return fmt.Errorf("failed to insert MerkleAccount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(persistence.ErrAccountExists, "account %s", account.ID)
	}

	return nil
}

// LoadAccount retrieves an account by id
func (p *PostgresPersistence) LoadAccount(ctx context.Context, id string) (*types.MerkleAccount, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, persistence.ErrClosed
	}

	var data []byte
	err := p.pool.QueryRow(ctx, p.selectQuery, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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

// UpdateAccount locks the account row and applies fn inside one transaction
func (p *PostgresPersistence) UpdateAccount(ctx context.Context, id string, fn persistence.AccountUpdateFunc) (*types.MerkleAccount, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, persistence.ErrClosed
	}

	var result *types.MerkleAccount
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, p.lockQuery, id).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(persistence.ErrAccountNotFound, "account %s", id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock MerkleAccount: %w", err)
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

		if _, err := tx.Exec(ctx, p.updateQuery, id, encoded); err != nil {
			return fmt.Errorf("failed to update MerkleAccount: %w", err)
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
func (p *PostgresPersistence) ListAccountIDs(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, persistence.ErrClosed
	}

	rows, err := p.pool.Query(ctx, p.listQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list MerkleAccount ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read MerkleAccount ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}

	return ids, nil
}

// Close shuts down the connection pool
func (p *PostgresPersistence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil // Already closed, idempotent
	}
	p.closed = true
	p.mu.Unlock()

	p.pool.Close()

	p.logger.Sugar().Info("Postgres persistence closed")
	return nil
}

// HealthCheck verifies the persistence layer is operational
func (p *PostgresPersistence) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}

	return nil
}
