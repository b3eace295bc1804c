package providers

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrInvalidToken is returned by ValidateToken when the provider rejects the token.
// Any other error means the provider could not be asked.
var ErrInvalidToken = errors.New("token rejected by identity provider")

// Provider is the upstream identity provider the engine calls out to.
// It issues replacement tokens during rotation, revokes compromised credentials and
// resolves opaque access tokens to a principal.
type Provider interface {
	// Name returns the provider name (e.g., "upstream", "mock")
	Name() string

	// ValidateToken resolves an access token to the user it was issued to.
	// Returns ErrInvalidToken (possibly wrapped) when the provider rejects the token.
	ValidateToken(ctx context.Context, accessToken string) (*UserInfo, error)

	// RefreshToken exchanges a refresh token for a new token pair
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies that the provider is reachable.
	// Returns nil if the provider is healthy, or an error describing the issue.
	HealthCheck(ctx context.Context) error
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's full name
	Name string

	// Groups are the groups the provider reports for the user, if any
	Groups []string
}
