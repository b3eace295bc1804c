package tokenguard

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lingualeap/apiguard/providers"
	"github.com/lingualeap/apiguard/security"
)

const (
	// DefaultLeeway is the clock skew tolerated on exp, nbf and iat
	DefaultLeeway = 30 * time.Second

	// MinHMACSecretLength is the shortest accepted HS256 secret
	MinHMACSecretLength = 32
)

// ErrInvalidJWT is returned by Verify for any token that fails parsing or validation
var ErrInvalidJWT = errors.New("invalid access token")

// Claims are the access token claims the engine reads
type Claims struct {
	jwt.RegisteredClaims

	// Role is the primary role of the subject
	Role string `json:"role,omitempty"`

	// SessionID binds the token to a session
	SessionID string `json:"sid,omitempty"`
}

// JWTConfig configures a JWTVerifier. Exactly one of HMACSecret and RSAPublicKey is required.
type JWTConfig struct {
	// HMACSecret verifies HS256 tokens
	HMACSecret []byte

	// RSAPublicKey verifies RS256 tokens
	RSAPublicKey *rsa.PublicKey

	// Issuer, when set, must match the iss claim
	Issuer string

	// Audience, when set, must be contained in the aud claim
	Audience string

	// Leeway is the tolerated clock skew (default: 30s)
	Leeway time.Duration
}

// JWTVerifier verifies signed access tokens and resolves them to principals
type JWTVerifier struct {
	parser *jwt.Parser
	key    any
}

var _ PrincipalResolver = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier. clock drives expiry checks.
func NewJWTVerifier(cfg JWTConfig, clock security.Clock) (*JWTVerifier, error) {
	var method string
	var key any
	switch {
	case len(cfg.HMACSecret) > 0 && cfg.RSAPublicKey != nil:
		return nil, fmt.Errorf("configure either an HMAC secret or an RSA public key, not both")
	case len(cfg.HMACSecret) > 0:
		if len(cfg.HMACSecret) < MinHMACSecretLength {
			return nil, fmt.Errorf("HMAC secret must be at least %d bytes", MinHMACSecretLength)
		}
		method, key = jwt.SigningMethodHS256.Alg(), cfg.HMACSecret
	case cfg.RSAPublicKey != nil:
		method, key = jwt.SigningMethodRS256.Alg(), cfg.RSAPublicKey
	default:
		return nil, fmt.Errorf("a verification key is required")
	}

	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	clock = security.ClockOrSystem(clock)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(clock.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTVerifier{parser: jwt.NewParser(opts...), key: key}, nil
}

// Verify parses token and checks its signature and registered claims
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJWT, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidJWT)
	}
	return claims, nil
}

// Principal implements PrincipalResolver
func (v *JWTVerifier) Principal(_ context.Context, token string) (Principal, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.Subject, SessionID: claims.SessionID}, nil
}

// ProviderPrincipals resolves opaque tokens through the identity provider
type ProviderPrincipals struct {
	Provider providers.Provider
}

var _ PrincipalResolver = ProviderPrincipals{}

// Principal implements PrincipalResolver
func (p ProviderPrincipals) Principal(ctx context.Context, token string) (Principal, error) {
	if p.Provider == nil {
		return Principal{}, fmt.Errorf("no identity provider configured")
	}
	info, err := p.Provider.ValidateToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: info.ID}, nil
}
