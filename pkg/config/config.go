package config

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/merkle"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// Environment variable names for merkle server configuration
const (
	EnvMerklePort             = "MERKLE_PORT"
	EnvMerkleVerbose          = "MERKLE_VERBOSE"
	EnvMerklePersistenceType  = "MERKLE_PERSISTENCE_TYPE"
	EnvMerkleBadgerPath       = "MERKLE_BADGER_PATH"
	EnvMerkleRedisAddress     = "MERKLE_REDIS_ADDRESS"
	EnvMerkleRedisPassword    = "MERKLE_REDIS_PASSWORD"
	EnvMerkleRedisDB          = "MERKLE_REDIS_DB"
	EnvMerkleRedisKeyPrefix   = "MERKLE_REDIS_KEY_PREFIX"
	EnvMerklePostgresURL      = "MERKLE_POSTGRES_URL"
	EnvMerklePostgresTable    = "MERKLE_POSTGRES_TABLE"
	EnvMerkleAuthMode         = "MERKLE_AUTH_MODE"
	EnvMerkleAuthSecret       = "MERKLE_AUTH_SECRET"
	EnvMerkleJWKSURL          = "MERKLE_JWKS_URL"
	EnvMerkleJWKSRefresh      = "MERKLE_JWKS_REFRESH_INTERVAL"
	EnvMerkleRateLimit        = "MERKLE_RATE_LIMIT"
	EnvMerkleRateBurst        = "MERKLE_RATE_BURST"
	EnvMerkleDefaultHash      = "MERKLE_DEFAULT_HASH_FUNCTION"
	EnvMerkleDefaultPolicy    = "MERKLE_DEFAULT_LEAF_POLICY"
	EnvMerkleDefaultMaxLeaves = "MERKLE_DEFAULT_MAX_LEAVES"
	EnvMerkleVerifyWorkers    = "MERKLE_VERIFY_WORKERS"
	EnvMerkleEventBuffer      = "MERKLE_EVENT_BUFFER"
	EnvMerkleEnvFile          = "MERKLE_ENV_FILE"

	// Client side
	EnvMerkleServerURL = "MERKLE_SERVER_URL"
	EnvMerkleToken     = "MERKLE_TOKEN"
	EnvMerkleAuthority = "MERKLE_AUTHORITY"
)

type PersistenceType string

func (p PersistenceType) String() string {
	return string(p)
}

const (
	PersistenceTypeMemory   PersistenceType = "memory"
	PersistenceTypeBadger   PersistenceType = "badger"
	PersistenceTypeRedis    PersistenceType = "redis"
	PersistenceTypePostgres PersistenceType = "postgres"
)

var supportedPersistenceTypes = []string{
	string(PersistenceTypeMemory),
	string(PersistenceTypeBadger),
	string(PersistenceTypeRedis),
	string(PersistenceTypePostgres),
}

type AuthMode string

const (
	// AuthModeNone trusts the X-Merkle-Authority header. Development only.
	AuthModeNone AuthMode = "none"
	// AuthModeHMAC verifies HS256 tokens signed with a shared secret
	AuthModeHMAC AuthMode = "hmac"
	// AuthModeJWKS verifies tokens against a remote JSON Web Key Set
	AuthModeJWKS AuthMode = "jwks"
)

// MinHMACSecretLength is the shortest accepted HS256 key
const MinHMACSecretLength = 32

var supportedAuthModes = []string{string(AuthModeNone), string(AuthModeHMAC), string(AuthModeJWKS)}

// PersistenceConfig selects and configures the account store
type PersistenceConfig struct {
	Type PersistenceType `json:"type"`

	BadgerPath string `json:"badger_path,omitempty"`

	RedisAddress   string `json:"redis_address,omitempty"`
	RedisPassword  string `json:"-"`
	RedisDB        int    `json:"redis_db,omitempty"`
	RedisKeyPrefix string `json:"redis_key_prefix,omitempty"`

	PostgresURL   string `json:"-"`
	PostgresTable string `json:"postgres_table,omitempty"`
}

// AuthConfig configures how callers prove they own an account's authority
type AuthConfig struct {
	Mode AuthMode `json:"mode"`

	// Secret is the HS256 key for AuthModeHMAC
	Secret string `json:"-"`

	// JWKSURL and JWKSRefreshInterval configure AuthModeJWKS
	JWKSURL             string        `json:"jwks_url,omitempty"`
	JWKSRefreshInterval time.Duration `json:"jwks_refresh_interval,omitempty"`
}

// MerkleServerConfig represents the complete configuration for a merkle server
type MerkleServerConfig struct {
	Port int `json:"port"`

	Persistence PersistenceConfig `json:"persistence"`
	Auth        AuthConfig        `json:"auth"`

	// RateLimit is the sustained requests per second allowed per client IP. Zero disables limiting.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	// Defaults applied to accounts initialized without explicit parameters
	DefaultHashFunction string `json:"default_hash_function"`
	DefaultLeafPolicy   string `json:"default_leaf_policy"`
	DefaultMaxLeaves    uint32 `json:"default_max_leaves"`

	// VerifyWorkers sizes the batch verification pool
	VerifyWorkers int `json:"verify_workers"`

	// EventBufferSize is the per-subscriber channel capacity
	EventBufferSize int `json:"event_buffer_size"`

	Debug   bool `json:"debug"`
	Verbose bool `json:"verbose"`
}

// NewDefaultMerkleServerConfig returns a config suitable for local development
func NewDefaultMerkleServerConfig() *MerkleServerConfig {
	return &MerkleServerConfig{
		Port: 8080,
		Persistence: PersistenceConfig{
			Type:       PersistenceTypeMemory,
			BadgerPath: "./data/merkle",
		},
		Auth: AuthConfig{
			Mode:                AuthModeNone,
			JWKSRefreshInterval: 15 * time.Minute,
		},
		RateLimit:           50,
		RateBurst:           100,
		DefaultHashFunction: hasher.DefaultName,
		DefaultLeafPolicy:   string(merkle.DefaultLeafPolicy),
		DefaultMaxLeaves:    types.DefaultMaxLeaves,
		VerifyWorkers:       8,
		EventBufferSize:     100,
	}
}

// Validate validates the merkle server configuration
func (c *MerkleServerConfig) Validate() error {
	var allErrors field.ErrorList

	if c.Port < 1 || c.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("port"), c.Port, "port must be between 1-65535"))
	}

	allErrors = append(allErrors, c.Persistence.validate(field.NewPath("persistence"))...)
	allErrors = append(allErrors, c.Auth.validate(field.NewPath("auth"))...)

	if c.RateLimit < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rateLimit"), c.RateLimit, "rate limit cannot be negative"))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rateBurst"), c.RateBurst, "burst must be at least 1 when rate limiting is enabled"))
	}

	if _, err := hasher.FromName(c.DefaultHashFunction); err != nil {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("defaultHashFunction"), c.DefaultHashFunction, hasher.Names()))
	}
	if _, err := merkle.ParseLeafPolicy(c.DefaultLeafPolicy); err != nil {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("defaultLeafPolicy"), c.DefaultLeafPolicy,
			[]string{string(merkle.LeafPolicyAuto), string(merkle.LeafPolicyHash), string(merkle.LeafPolicyRaw)}))
	}
	if c.DefaultMaxLeaves == 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("defaultMaxLeaves"), c.DefaultMaxLeaves, "must be positive"))
	}

	if c.VerifyWorkers < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("verifyWorkers"), c.VerifyWorkers, "must be at least 1"))
	}
	if c.EventBufferSize < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("eventBufferSize"), c.EventBufferSize, "must be at least 1"))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (p *PersistenceConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList

	switch p.Type {
	case PersistenceTypeMemory:
	case PersistenceTypeBadger:
		if p.BadgerPath == "" {
			allErrors = append(allErrors, field.Required(path.Child("badgerPath"), "badger path is required for badger persistence"))
		}
	case PersistenceTypeRedis:
		if p.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(path.Child("redisAddress"), "redis address is required for redis persistence"))
		}
		if p.RedisDB < 0 || p.RedisDB > 15 {
			allErrors = append(allErrors, field.Invalid(path.Child("redisDB"), p.RedisDB, "redis db must be between 0-15"))
		}
	case PersistenceTypePostgres:
		if p.PostgresURL == "" {
			allErrors = append(allErrors, field.Required(path.Child("postgresURL"), "postgres url is required for postgres persistence"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), p.Type, supportedPersistenceTypes))
	}

	return allErrors
}

func (a *AuthConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList

	switch a.Mode {
	case AuthModeNone:
	case AuthModeHMAC:
		if len(a.Secret) < MinHMACSecretLength {
			allErrors = append(allErrors, field.Invalid(path.Child("secret"), "<redacted>", fmt.Sprintf("hmac secret must be at least %d bytes", MinHMACSecretLength)))
		}
	case AuthModeJWKS:
		if a.JWKSURL == "" {
			allErrors = append(allErrors, field.Required(path.Child("jwksURL"), "jwks url is required for jwks auth"))
		}
		if a.JWKSRefreshInterval < time.Minute {
			allErrors = append(allErrors, field.Invalid(path.Child("jwksRefreshInterval"), a.JWKSRefreshInterval.String(), "must be at least 1m"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("mode"), a.Mode, supportedAuthModes))
	}

	return allErrors
}

// GetSupportedPersistenceTypesString returns supported persistence types for CLI help
func GetSupportedPersistenceTypesString() string {
	return fmt.Sprintf("%s, %s, %s, %s", PersistenceTypeMemory, PersistenceTypeBadger, PersistenceTypeRedis, PersistenceTypePostgres)
}
