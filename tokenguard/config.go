package tokenguard

import (
	"fmt"
	"time"

	"github.com/lingualeap/apiguard/security"
)

const (
	// DefaultBlacklistTTL is how long a revoked token stays denied
	DefaultBlacklistTTL = 24 * time.Hour

	// DefaultRotationThreshold is the remaining validity below which a token is rotated
	DefaultRotationThreshold = 5 * time.Minute

	// DefaultMaxRefreshAttempts is the number of refresh attempts allowed per refresh token per window
	DefaultMaxRefreshAttempts = 3

	// DefaultRefreshWindow is the window of the refresh attempt cap
	DefaultRefreshWindow = 5 * time.Minute

	// DefaultMaxConcurrentIPs is the number of distinct IPs that may present one token
	DefaultMaxConcurrentIPs = 2

	// DefaultUsageWindow is how long an IP counts as concurrently using a token
	DefaultUsageWindow = 15 * time.Minute

	// DefaultCacheSize bounds the local blacklist cache and usage table
	DefaultCacheSize = 10000
)

// Blacklist reasons
const (
	ReasonLogout          = "user_logout"
	ReasonRotated         = "rotated"
	ReasonCompromised     = "compromised"
	ReasonConcurrentUsage = "concurrent_usage"
	ReasonAdminRevoked    = "admin_revoked"
)

// Config holds TokenGuard configuration
type Config struct {
	// BlacklistTTL is how long a revoked token is denied before its entry may be purged.
	// Default: 24h
	BlacklistTTL time.Duration `toml:"blacklist_ttl"`

	// RotationThreshold is the remaining validity below which RotateIfNeeded exchanges the token.
	// Default: 5m
	RotationThreshold time.Duration `toml:"rotation_threshold"`

	// MaxRefreshAttempts is the number of refresh attempts per refresh token within RefreshWindow.
	// Default: 3
	MaxRefreshAttempts int `toml:"max_refresh_attempts"`

	// RefreshWindow is the window of the refresh attempt cap. Default: 5m
	RefreshWindow time.Duration `toml:"refresh_window"`

	// MaxConcurrentIPs is the number of distinct IPs allowed to present one token within
	// UsageWindow. Default: 2
	MaxConcurrentIPs int `toml:"max_concurrent_ips"`

	// UsageWindow is how long a sighting of a token from an IP is remembered. Default: 15m
	UsageWindow time.Duration `toml:"usage_window"`

	// RevokeOnCompromise blacklists a token presented from too many IPs and ends the
	// sessions of a principal whose rotated token is replayed. DefaultConfig enables it.
	RevokeOnCompromise bool `toml:"revoke_on_compromise"`

	// RevokeUpstream also revokes compromised tokens at the identity provider.
	// Failures are logged and do not affect the local blacklist.
	RevokeUpstream bool `toml:"revoke_upstream"`

	// FailurePolicy applies when the blacklist or attempt counters cannot be read.
	// Default: FailClosed
	FailurePolicy security.FailurePolicy `toml:"failure_policy"`

	// CacheSize bounds the local blacklist cache and the usage table. Default: 10000
	CacheSize int `toml:"cache_size"`
}

// DefaultConfig returns the default TokenGuard configuration
func DefaultConfig() Config {
	return Config{
		BlacklistTTL:       DefaultBlacklistTTL,
		RotationThreshold:  DefaultRotationThreshold,
		MaxRefreshAttempts: DefaultMaxRefreshAttempts,
		RefreshWindow:      DefaultRefreshWindow,
		MaxConcurrentIPs:   DefaultMaxConcurrentIPs,
		UsageWindow:        DefaultUsageWindow,
		RevokeOnCompromise: true,
		FailurePolicy:      security.FailClosed,
		CacheSize:          DefaultCacheSize,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BlacklistTTL <= 0 {
		c.BlacklistTTL = d.BlacklistTTL
	}
	if c.RotationThreshold <= 0 {
		c.RotationThreshold = d.RotationThreshold
	}
	if c.MaxRefreshAttempts <= 0 {
		c.MaxRefreshAttempts = d.MaxRefreshAttempts
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = d.RefreshWindow
	}
	if c.MaxConcurrentIPs <= 0 {
		c.MaxConcurrentIPs = d.MaxConcurrentIPs
	}
	if c.UsageWindow <= 0 {
		c.UsageWindow = d.UsageWindow
	}
	c.FailurePolicy = c.FailurePolicy.OrDefault(security.FailClosed)
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.FailurePolicy {
	case "", security.FailOpen, security.FailClosed:
	default:
		return fmt.Errorf("unknown failure policy %q", c.FailurePolicy)
	}
	if c.BlacklistTTL < 0 || c.RotationThreshold < 0 || c.RefreshWindow < 0 || c.UsageWindow < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func isCompromise(reason string) bool {
	return reason == ReasonCompromised || reason == ReasonConcurrentUsage
}
