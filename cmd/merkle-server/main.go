package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/account"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/auth"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/config"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/events"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/logger"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/factory"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadEnvFile(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}

	defaults := config.NewDefaultMerkleServerConfig()

	app := &cli.App{
		Name:  "merkle-server",
		Usage: "Merkle account ledger server",
		Description: `Serves append-only merkle accounts over HTTP.

Each account owns an ordered leaf list and the root computed over it.
The server supports:
- Account initialization with a per-account hash function and leaf policy
- Authority-checked leaf insertion with a full tree rebuild per insert
- Inclusion proof generation and verification against the stored root
- A server-sent event stream of inserted leaves`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   defaults.Port,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvMerklePort},
			},
			&cli.StringFlag{
				Name:    "persistence-type",
				Aliases: []string{"store"},
				Value:   string(defaults.Persistence.Type),
				Usage:   fmt.Sprintf("Account store: %s", config.GetSupportedPersistenceTypesString()),
				EnvVars: []string{config.EnvMerklePersistenceType},
			},
			&cli.StringFlag{
				Name:    "badger-path",
				Value:   defaults.Persistence.BadgerPath,
				Usage:   "Data directory for the badger store",
				EnvVars: []string{config.EnvMerkleBadgerPath},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis host:port for the redis store",
				EnvVars: []string{config.EnvMerkleRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				EnvVars: []string{config.EnvMerkleRedisPassword},
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database number",
				EnvVars: []string{config.EnvMerkleRedisDB},
			},
			&cli.StringFlag{
				Name:    "redis-key-prefix",
				Usage:   "Prefix for every redis key",
				EnvVars: []string{config.EnvMerkleRedisKeyPrefix},
			},
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "Postgres connection string for the postgres store",
				EnvVars: []string{config.EnvMerklePostgresURL},
			},
			&cli.StringFlag{
				Name:    "postgres-table",
				Usage:   "Postgres table holding account records",
				EnvVars: []string{config.EnvMerklePostgresTable},
			},
			&cli.StringFlag{
				Name:    "auth-mode",
				Value:   string(defaults.Auth.Mode),
				Usage:   "Caller authentication: none, hmac or jwks",
				EnvVars: []string{config.EnvMerkleAuthMode},
			},
			&cli.StringFlag{
				Name:    "auth-secret",
				Usage:   "Shared HS256 secret for hmac auth (at least 32 bytes)",
				EnvVars: []string{config.EnvMerkleAuthSecret},
			},
			&cli.StringFlag{
				Name:    "jwks-url",
				Usage:   "JSON Web Key Set URL for jwks auth",
				EnvVars: []string{config.EnvMerkleJWKSURL},
			},
			&cli.DurationFlag{
				Name:    "jwks-refresh-interval",
				Value:   defaults.Auth.JWKSRefreshInterval,
				Usage:   "How often the JSON Web Key Set is refreshed",
				EnvVars: []string{config.EnvMerkleJWKSRefresh},
			},
			&cli.Float64Flag{
				Name:    "rate-limit",
				Value:   defaults.RateLimit,
				Usage:   "Requests per second per client IP (0 disables)",
				EnvVars: []string{config.EnvMerkleRateLimit},
			},
			&cli.IntFlag{
				Name:    "rate-burst",
				Value:   defaults.RateBurst,
				Usage:   "Request burst per client IP",
				EnvVars: []string{config.EnvMerkleRateBurst},
			},
			&cli.StringFlag{
				Name:    "default-hash-function",
				Value:   defaults.DefaultHashFunction,
				Usage:   fmt.Sprintf("Hash function for new accounts: %v", hasher.Names()),
				EnvVars: []string{config.EnvMerkleDefaultHash},
			},
			&cli.StringFlag{
				Name:    "default-leaf-policy",
				Value:   defaults.DefaultLeafPolicy,
				Usage:   "Leaf policy for new accounts: auto, hash or raw",
				EnvVars: []string{config.EnvMerkleDefaultPolicy},
			},
			&cli.UintFlag{
				Name:    "default-max-leaves",
				Value:   uint(defaults.DefaultMaxLeaves),
				Usage:   "Leaf capacity for new accounts",
				EnvVars: []string{config.EnvMerkleDefaultMaxLeaves},
			},
			&cli.IntFlag{
				Name:    "verify-workers",
				Value:   defaults.VerifyWorkers,
				Usage:   "Batch verification worker pool size",
				EnvVars: []string{config.EnvMerkleVerifyWorkers},
			},
			&cli.IntFlag{
				Name:    "event-buffer",
				Value:   defaults.EventBufferSize,
				Usage:   "Per-subscriber event buffer",
				EnvVars: []string{config.EnvMerkleEventBuffer},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvMerkleVerbose},
			},
		},
		Action: runMerkleServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runMerkleServer(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg := parseServerConfig(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := factory.NewPersistence(&cfg.Persistence, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Sugar().Errorw("Failed to close account store", "error", err)
		}
	}()

	verifier, err := auth.NewVerifier(ctx, &cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to configure auth: %w", err)
	}

	bus := events.NewEventBus(l, cfg.EventBufferSize)
	defer bus.Close()

	ledger, err := account.NewLedger(store, bus, account.Config{
		DefaultHashFunction: cfg.DefaultHashFunction,
		DefaultLeafPolicy:   cfg.DefaultLeafPolicy,
		DefaultMaxLeaves:    cfg.DefaultMaxLeaves,
		VerifyWorkers:       cfg.VerifyWorkers,
		Logger:              l,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	defer ledger.Close()

	if cfg.Verbose {
		l.Sugar().Infow("Merkle Server Configuration",
			"port", cfg.Port,
			"persistence", cfg.Persistence.Type,
			"auth_mode", cfg.Auth.Mode,
			"rate_limit", cfg.RateLimit,
			"rate_burst", cfg.RateBurst,
			"default_hash_function", cfg.DefaultHashFunction,
			"default_leaf_policy", cfg.DefaultLeafPolicy,
			"default_max_leaves", cfg.DefaultMaxLeaves,
			"verify_workers", cfg.VerifyWorkers,
		)
	}

	srv := server.NewServer(ledger, bus, verifier, server.Config{
		Port:      cfg.Port,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Logger:    l,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	l.Sugar().Infow("Merkle Server running", "port", cfg.Port)
	l.Sugar().Infow("Available endpoints",
		"accounts", "POST/GET /accounts",
		"leaves", "POST /accounts/{id}/leaves",
		"proofs", "GET /accounts/{id}/proofs/{index}",
		"verify", "POST /accounts/{id}/verify[/batch]",
		"instructions", "POST /instructions",
		"events", "GET /accounts/{id}/events")

	<-ctx.Done()
	l.Sugar().Info("Received shutdown signal, shutting down server")

	// end event streams first so Shutdown does not wait on them
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	l.Sugar().Info("Server shut down gracefully")
	return nil
}

func parseServerConfig(c *cli.Context) *config.MerkleServerConfig {
	return &config.MerkleServerConfig{
		Port: c.Int("port"),
		Persistence: config.PersistenceConfig{
			Type:           config.PersistenceType(c.String("persistence-type")),
			BadgerPath:     c.String("badger-path"),
			RedisAddress:   c.String("redis-address"),
			RedisPassword:  c.String("redis-password"),
			RedisDB:        c.Int("redis-db"),
			RedisKeyPrefix: c.String("redis-key-prefix"),
			PostgresURL:    c.String("postgres-url"),
			PostgresTable:  c.String("postgres-table"),
		},
		Auth: config.AuthConfig{
			Mode:                config.AuthMode(c.String("auth-mode")),
			Secret:              c.String("auth-secret"),
			JWKSURL:             c.String("jwks-url"),
			JWKSRefreshInterval: c.Duration("jwks-refresh-interval"),
		},
		RateLimit:           c.Float64("rate-limit"),
		RateBurst:           c.Int("rate-burst"),
		DefaultHashFunction: c.String("default-hash-function"),
		DefaultLeafPolicy:   c.String("default-leaf-policy"),
		DefaultMaxLeaves:    uint32(c.Uint("default-max-leaves")),
		VerifyWorkers:       c.Int("verify-workers"),
		EventBufferSize:     c.Int("event-buffer"),
		Debug:               c.Bool("verbose"),
		Verbose:             c.Bool("verbose"),
	}
}
