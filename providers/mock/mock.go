// Package mock provides a scripted providers.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/lingualeap/apiguard/providers"
)

// Provider is a scripted identity provider.
//
// Without overrides it resolves access tokens registered with AddUser, issues a new
// token pair on every refresh and records revocations. Any *Func field replaces the
// default behavior of its method.
type Provider struct {
	ValidateTokenFunc func(ctx context.Context, accessToken string) (*providers.UserInfo, error)
	RefreshTokenFunc  func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc   func(ctx context.Context, token string) error
	HealthCheckFunc   func(ctx context.Context) error

	// TokenLifetime is the validity of tokens issued by the default refresh (default: 1h)
	TokenLifetime time.Duration

	// Now stamps issued tokens (default: time.Now)
	Now func() time.Time

	// mu protects the fields below
	mu         sync.Mutex
	users      map[string]*providers.UserInfo
	revoked    []string
	issued     int
	callCounts map[string]int
}

var _ providers.Provider = (*Provider)(nil)

// New creates a scripted provider
func New() *Provider {
	return &Provider{
		TokenLifetime: time.Hour,
		users:         make(map[string]*providers.UserInfo),
		callCounts:    make(map[string]int),
	}
}

// AddUser makes accessToken resolve to user
func (p *Provider) AddUser(accessToken string, user *providers.UserInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[accessToken] = user
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "mock"
}

// ValidateToken resolves accessToken to a registered user
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	// release the lock before calling out; an override may call back into the mock
	p.mu.Lock()
	p.callCounts["ValidateToken"]++
	fn := p.ValidateTokenFunc
	user, ok := p.users[accessToken]
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, accessToken)
	}
	if !ok {
		return nil, providers.ErrInvalidToken
	}
	c := *user
	return &c, nil
}

// RefreshToken issues a new token pair
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.mu.Lock()
	p.callCounts["RefreshToken"]++
	fn := p.RefreshTokenFunc
	p.issued++
	n := p.issued
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, refreshToken)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", providers.ErrInvalidToken)
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	lifetime := p.TokenLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("mock-access-%d", n),
		RefreshToken: fmt.Sprintf("mock-refresh-%d", n),
		TokenType:    "Bearer",
		Expiry:       now().Add(lifetime),
	}, nil
}

// RevokeToken records token as revoked
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	p.mu.Lock()
	p.callCounts["RevokeToken"]++
	fn := p.RevokeTokenFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, token)
	}

	p.mu.Lock()
	p.revoked = append(p.revoked, token)
	p.mu.Unlock()
	return nil
}

// HealthCheck reports healthy unless HealthCheckFunc says otherwise
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	p.callCounts["HealthCheck"]++
	fn := p.HealthCheckFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Revoked returns the tokens revoked through the default RevokeToken
func (p *Provider) Revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

// CallCount returns the number of times method was called
func (p *Provider) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCounts[method]
}
