// Package upstream implements providers.Provider for any OAuth 2.0 authorization server.
// Endpoints are taken from configuration or discovered from the issuer's OpenID Connect
// metadata.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/lingualeap/apiguard/instrumentation"
	"github.com/lingualeap/apiguard/providers"
)

const (
	// DefaultRequestTimeout bounds every call to the provider
	DefaultRequestTimeout = 30 * time.Second

	providerName = "upstream"
)

// ErrRevocationUnsupported is returned by RevokeToken when no revocation endpoint is known
var ErrRevocationUnsupported = errors.New("provider does not support token revocation")

// Config holds upstream provider configuration.
// Either IssuerURL or TokenURL is required; explicit URLs override discovered ones.
type Config struct {
	// IssuerURL enables OIDC discovery (e.g., https://id.example.com)
	IssuerURL string

	// TokenURL is the token endpoint used for refresh
	TokenURL string

	// UserInfoURL is the endpoint used to resolve access tokens to users
	UserInfoURL string

	// RevocationURL is the RFC 7009 revocation endpoint
	RevocationURL string

	// ClientID is the OAuth client ID
	ClientID string

	// ClientSecret is the OAuth client secret
	ClientSecret string

	// Scopes requested on refresh
	Scopes []string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout is the timeout for provider API calls (default: 30s)
	RequestTimeout time.Duration

	// Logger is used for discovery and revocation diagnostics (default: slog.Default())
	Logger *slog.Logger

	// skipValidation allows http:// and loopback endpoints.
	// Only tests set it.
	skipValidation bool
}

// Provider is a generic OAuth 2.0 identity provider
type Provider struct {
	config         *oauth2.Config
	issuerURL      string
	userInfoURL    string
	revocationURL  string
	httpClient     *http.Client
	requestTimeout time.Duration
	discovery      *DiscoveryClient
	logger         *slog.Logger

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates an upstream provider, running discovery when IssuerURL is set
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.IssuerURL == "" && cfg.TokenURL == "" {
		return nil, fmt.Errorf("issuer URL or token URL is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		issuerURL:      cfg.IssuerURL,
		userInfoURL:    cfg.UserInfoURL,
		revocationURL:  cfg.RevocationURL,
		httpClient:     httpClient,
		requestTimeout: timeout,
		logger:         logger,
	}
	tokenURL := cfg.TokenURL

	if cfg.IssuerURL != "" {
		p.discovery = NewDiscoveryClient(httpClient, DefaultDiscoveryTTL, logger)
		p.discovery.skipValidation = cfg.skipValidation

		dctx, cancel := context.WithTimeout(ctx, timeout)
		md, err := p.discovery.Discover(dctx, cfg.IssuerURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to discover provider endpoints: %w", err)
		}
		tokenURL = firstNonEmpty(tokenURL, md.TokenEndpoint)
		p.userInfoURL = firstNonEmpty(p.userInfoURL, md.UserInfoEndpoint)
		p.revocationURL = firstNonEmpty(p.revocationURL, md.RevocationEndpoint)
	}

	if !cfg.skipValidation {
		for _, u := range []string{tokenURL, p.userInfoURL, p.revocationURL} {
			if u == "" {
				continue
			}
			if err := ValidateEndpointURL(u); err != nil {
				return nil, fmt.Errorf("invalid endpoint %q: %w", u, err)
			}
		}
	}

	p.config = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return p, nil
}

// SetInstrumentation enables provider call metrics and tracing
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		p.metrics = inst.Metrics()
		p.tracer = inst.Tracer("provider")
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// ValidateToken resolves accessToken through the userinfo endpoint
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (info *providers.UserInfo, err error) {
	ctx, done := p.observe(ctx, "validate_token")
	defer func() { done(err) }()

	if p.userInfoURL == "" {
		return nil, fmt.Errorf("provider has no userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: userinfo returned status %d", providers.ErrInvalidToken, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var claims struct {
		Sub           string   `json:"sub"`
		Email         string   `json:"email"`
		EmailVerified bool     `json:"email_verified"`
		Name          string   `json:"name"`
		Groups        []string `json:"groups"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("user info has no subject")
	}

	return &providers.UserInfo{
		ID:            claims.Sub,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Groups:        claims.Groups,
	}, nil
}

// RefreshToken exchanges refreshToken at the token endpoint.
// A rejected grant is reported as providers.ErrInvalidToken.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (token *oauth2.Token, err error) {
	ctx, done := p.observe(ctx, "refresh_token")
	defer func() { done(err) }()

	token, err = providers.RefreshWithConfig(ctx, p.config, p.httpClient, refreshToken)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %w", providers.ErrInvalidToken, err)
		}
		return nil, err
	}
	return token, nil
}

// RevokeToken revokes token at the RFC 7009 revocation endpoint
func (p *Provider) RevokeToken(ctx context.Context, token string) (err error) {
	ctx, done := p.observe(ctx, "revoke_token")
	defer func() { done(err) }()

	if p.revocationURL == "" {
		return ErrRevocationUnsupported
	}

	form := url.Values{}
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.config.ClientID), url.QueryEscape(p.config.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck re-fetches the discovery document, or probes the token endpoint when
// endpoints were configured explicitly. Any response below 500 counts as reachable.
func (p *Provider) HealthCheck(ctx context.Context) (err error) {
	ctx, done := p.observe(ctx, "health_check")
	defer func() { done(err) }()

	if p.discovery != nil {
		if _, err := p.discovery.Fetch(ctx, p.issuerURL); err != nil {
			return fmt.Errorf("provider health check failed: %w", err)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint.TokenURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider health check failed: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("provider health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// observe bounds ctx by the request timeout and returns a function recording the call
func (p *Provider) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "provider."+operation)
		instrumentation.AddProviderAttributes(span, providerName, operation)
	}

	return ctx, func(err error) {
		cancel()
		if span != nil {
			if err != nil {
				instrumentation.RecordError(span, err)
			}
			span.End()
		}
		if p.metrics != nil {
			p.metrics.RecordProviderAPICall(ctx, providerName, operation, float64(time.Since(start).Milliseconds()), err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
