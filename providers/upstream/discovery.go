package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultDiscoveryTTL is how long a fetched discovery document is reused
const DefaultDiscoveryTTL = time.Hour

// Metadata is the subset of an OpenID Connect discovery document the engine uses
type Metadata struct {
	Issuer             string `json:"issuer"`
	TokenEndpoint      string `json:"token_endpoint"`
	UserInfoEndpoint   string `json:"userinfo_endpoint"`
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
	JWKSURI            string `json:"jwks_uri,omitempty"`
}

type cachedMetadata struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// DiscoveryClient fetches and caches provider metadata. It is safe for concurrent use.
type DiscoveryClient struct {
	httpClient     *http.Client
	ttl            time.Duration
	logger         *slog.Logger
	skipValidation bool

	mu    sync.Mutex
	cache map[string]cachedMetadata
}

// NewDiscoveryClient creates a discovery client. A nil httpClient gets a 10s timeout,
// a zero ttl falls back to DefaultDiscoveryTTL.
func NewDiscoveryClient(httpClient *http.Client, ttl time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryClient{
		httpClient: httpClient,
		ttl:        ttl,
		logger:     logger,
		cache:      make(map[string]cachedMetadata),
	}
}

// Discover returns the metadata of issuerURL, from cache when fresh
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*Metadata, error) {
	c.mu.Lock()
	cached, ok := c.cache[issuerURL]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < c.ttl {
		return cached.metadata, nil
	}

	md, err := c.Fetch(ctx, issuerURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[issuerURL] = cachedMetadata{metadata: md, fetchedAt: time.Now()}
	c.mu.Unlock()
	return md, nil
}

// Fetch retrieves and validates the metadata of issuerURL, bypassing the cache
func (c *DiscoveryClient) Fetch(ctx context.Context, issuerURL string) (*Metadata, error) {
	if !c.skipValidation {
		if err := ValidateEndpointURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery failed with status %d", resp.StatusCode)
	}

	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if err := c.validate(issuerURL, &md); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	c.logger.Debug("Provider metadata discovered",
		"issuer", md.Issuer,
		"token_endpoint", md.TokenEndpoint,
		"revocation_supported", md.RevocationEndpoint != "")
	return &md, nil
}

func (c *DiscoveryClient) validate(issuerURL string, md *Metadata) error {
	if strings.TrimSuffix(md.Issuer, "/") != strings.TrimSuffix(issuerURL, "/") {
		return fmt.Errorf("issuer %q does not match %q", md.Issuer, issuerURL)
	}
	if md.TokenEndpoint == "" {
		return fmt.Errorf("token_endpoint is required but missing")
	}
	if c.skipValidation {
		return nil
	}

	for name, u := range map[string]string{
		"token_endpoint":      md.TokenEndpoint,
		"userinfo_endpoint":   md.UserInfoEndpoint,
		"revocation_endpoint": md.RevocationEndpoint,
	} {
		if u == "" {
			continue
		}
		if err := ValidateEndpointURL(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
