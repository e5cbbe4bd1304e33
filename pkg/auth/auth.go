package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/config"
)

const (
	// AuthorityHeader carries the caller's authority when authentication is disabled
	AuthorityHeader = "X-Merkle-Authority"

	// Issuer is set on tokens minted by IssueToken
	Issuer = "merkle-anchor"

	DefaultTokenTTL = time.Hour
)

var (
	ErrMissingCredentials = errors.New("missing bearer token")
	ErrInvalidToken       = errors.New("invalid bearer token")
)

// Verifier resolves the authority a request acts as. Token based verifiers
// always return a non-empty authority or an error.
type Verifier interface {
	Authenticate(r *http.Request) (string, error)
	Mode() config.AuthMode
}

// NewVerifier builds the verifier selected by cfg.Mode
func NewVerifier(ctx context.Context, cfg *config.AuthConfig) (Verifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("auth config cannot be nil")
	}
	switch cfg.Mode {
	case config.AuthModeNone, "":
		return &HeaderVerifier{}, nil
	case config.AuthModeHMAC:
		return NewHMACVerifier([]byte(cfg.Secret))
	case config.AuthModeJWKS:
		return NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.JWKSRefreshInterval)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// HeaderVerifier trusts the X-Merkle-Authority header. The authority may be
// empty, in which case the request body decides.
type HeaderVerifier struct{}

func (v *HeaderVerifier) Authenticate(r *http.Request) (string, error) {
	return strings.TrimSpace(r.Header.Get(AuthorityHeader)), nil
}

func (v *HeaderVerifier) Mode() config.AuthMode { return config.AuthModeNone }

// HMACVerifier accepts HS256 tokens signed with a shared secret. The token
// subject is the authority.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) (*HMACVerifier, error) {
	if len(secret) < config.MinHMACSecretLength {
		return nil, fmt.Errorf("hmac secret must be at least %d bytes", config.MinHMACSecretLength)
	}
	return &HMACVerifier{secret: secret}, nil
}

func (v *HMACVerifier) Authenticate(r *http.Request) (string, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return "", err
	}
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256(), v.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidToken, "%v", err)
	}
	return subject(token)
}

func (v *HMACVerifier) Mode() config.AuthMode { return config.AuthModeHMAC }

// JWKSVerifier accepts tokens signed by any key in a remote JWK set that is
// refreshed in the background.
type JWKSVerifier struct {
	keys jwk.Set
}

// NewJWKSVerifier fetches the key set once and keeps it refreshed for the
// lifetime of ctx
func NewJWKSVerifier(ctx context.Context, jwksURL string, refreshInterval time.Duration) (*JWKSVerifier, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	keys, err := NewJWKCache(ctx, jwksURL, refreshInterval)
	if err != nil {
		return nil, err
	}
	return &JWKSVerifier{keys: keys}, nil
}

// NewJWKSVerifierFromSet verifies against a fixed key set
func NewJWKSVerifierFromSet(keys jwk.Set) *JWKSVerifier {
	return &JWKSVerifier{keys: keys}
}

func (v *JWKSVerifier) Authenticate(r *http.Request) (string, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return "", err
	}
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidToken, "%v", err)
	}
	return subject(token)
}

func (v *JWKSVerifier) Mode() config.AuthMode { return config.AuthModeJWKS }

func NewJWKCache(ctx context.Context, jwksURL string, refreshInterval time.Duration) (jwk.Set, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create jwk cache: %w", err)
	}

	if err := cache.Register(ctx, jwksURL, jwk.WithConstantInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register jwk location: %w", err)
	}

	// fetch once on startup so a bad url fails fast
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch jwks on startup: %w", err)
	}

	return cache.CachedSet(jwksURL)
}

// IssueToken mints an HS256 token whose subject is authority
func IssueToken(secret []byte, authority string, ttl time.Duration) (string, error) {
	if authority == "" {
		return "", fmt.Errorf("authority is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(Issuer).
		Subject(authority).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.Wrap(ErrMissingCredentials, "authorization header must use the Bearer scheme")
	}
	return strings.TrimSpace(token), nil
}

func subject(token jwt.Token) (string, error) {
	sub, ok := token.Subject()
	if !ok || sub == "" {
		return "", errors.Wrap(ErrInvalidToken, "token has no subject")
	}
	return sub, nil
}
