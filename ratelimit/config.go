package ratelimit

import (
	"fmt"
	"path"
	"time"

	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
)

const (
	// DefaultWindow is the window of the default rule
	DefaultWindow = 60 * time.Second

	// DefaultMaxRequests is the request budget of the default rule
	DefaultMaxRequests = 60

	// DefaultStrictDivisor divides MaxRequests for keys in the strict class
	DefaultStrictDivisor = 4

	// DefaultMaxTrackedKeys bounds every in-process table of the limiter
	DefaultMaxTrackedKeys = 10000
)

// Rule is a rate limit rule for endpoints matching Pattern.
// Pattern uses path.Match syntax ("/v1/auth/*"); an empty pattern matches nothing.
type Rule struct {
	Pattern     string        `toml:"pattern"`
	Window      time.Duration `toml:"window"`
	MaxRequests int           `toml:"max_requests"`
}

// AdaptiveConfig controls promotion of a key from the normal to the strict rule class.
// Each key owns a token bucket refilled at Rate per second with capacity Burst.
// A key that drains its bucket is promoted; it is demoted after CalmPeriod without
// draining it again.
type AdaptiveConfig struct {
	Enabled    bool          `toml:"enabled"`
	Rate       float64       `toml:"rate"`
	Burst      int           `toml:"burst"`
	CalmPeriod time.Duration `toml:"calm_period"`
}

// BypassConfig controls detection of distributed rate limit evasion.
type BypassConfig struct {
	// MaxIPsPerUser is the number of distinct IPs one user may use within IPWindow
	// before suspicious_ip_rotation is recorded
	MaxIPsPerUser int           `toml:"max_ips_per_user"`
	IPWindow      time.Duration `toml:"ip_window"`

	// PairBurstThreshold is the number of distinct (ip, user) pairs hitting one endpoint
	// within PairBurstWindow past which distributed_bypass_attempt is recorded
	PairBurstThreshold int           `toml:"pair_burst_threshold"`
	PairBurstWindow    time.Duration `toml:"pair_burst_window"`
}

// Config configures a Limiter
type Config struct {
	// DefaultRule applies when no rule matches the endpoint.
	// Default: 60 requests per 60 seconds
	DefaultRule Rule `toml:"default_rule"`

	// Rules are evaluated in order; the first match wins
	Rules []Rule `toml:"rules"`

	// StrictDivisor divides MaxRequests for strict keys (result is at least 1).
	// Default: 4
	StrictDivisor int `toml:"strict_divisor"`

	Adaptive AdaptiveConfig `toml:"adaptive"`
	Bypass   BypassConfig   `toml:"bypass"`

	// TamperPinDuration is how long a key whose state failed validation stays on the
	// strictest rule. Default: 15 minutes
	TamperPinDuration time.Duration `toml:"tamper_pin_duration"`

	// FailurePolicy applies when the counter store is unreachable.
	// Default: FailOpen
	FailurePolicy security.FailurePolicy `toml:"failure_policy"`

	// MaxTrackedKeys bounds the in-process tables (adaptive buckets, bypass
	// trackers, rejection cache). Least recently used entries are evicted.
	// Default: 10000
	MaxTrackedKeys int `toml:"max_tracked_keys"`
}

// DefaultConfig returns the default limiter configuration
func DefaultConfig() Config {
	return Config{
		DefaultRule:   Rule{Window: DefaultWindow, MaxRequests: DefaultMaxRequests},
		StrictDivisor: DefaultStrictDivisor,
		Adaptive: AdaptiveConfig{
			Enabled:    true,
			Rate:       2,
			Burst:      20,
			CalmPeriod: 2 * time.Minute,
		},
		Bypass: BypassConfig{
			MaxIPsPerUser:      5,
			IPWindow:           10 * time.Minute,
			PairBurstThreshold: 50,
			PairBurstWindow:    10 * time.Second,
		},
		TamperPinDuration: 15 * time.Minute,
		FailurePolicy:     security.FailOpen,
		MaxTrackedKeys:    DefaultMaxTrackedKeys,
	}
}

// applyDefaults fills zero values from DefaultConfig
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultRule.Window <= 0 {
		c.DefaultRule.Window = d.DefaultRule.Window
	}
	if c.DefaultRule.MaxRequests <= 0 {
		c.DefaultRule.MaxRequests = d.DefaultRule.MaxRequests
	}
	if c.StrictDivisor <= 0 {
		c.StrictDivisor = d.StrictDivisor
	}
	if c.Adaptive.Rate <= 0 {
		c.Adaptive.Rate = d.Adaptive.Rate
	}
	if c.Adaptive.Burst <= 0 {
		c.Adaptive.Burst = d.Adaptive.Burst
	}
	if c.Adaptive.CalmPeriod <= 0 {
		c.Adaptive.CalmPeriod = d.Adaptive.CalmPeriod
	}
	if c.Bypass.MaxIPsPerUser <= 0 {
		c.Bypass.MaxIPsPerUser = d.Bypass.MaxIPsPerUser
	}
	if c.Bypass.IPWindow <= 0 {
		c.Bypass.IPWindow = d.Bypass.IPWindow
	}
	if c.Bypass.PairBurstThreshold <= 0 {
		c.Bypass.PairBurstThreshold = d.Bypass.PairBurstThreshold
	}
	if c.Bypass.PairBurstWindow <= 0 {
		c.Bypass.PairBurstWindow = d.Bypass.PairBurstWindow
	}
	if c.TamperPinDuration <= 0 {
		c.TamperPinDuration = d.TamperPinDuration
	}
	c.FailurePolicy = c.FailurePolicy.OrDefault(security.FailOpen)
	if c.MaxTrackedKeys <= 0 {
		c.MaxTrackedKeys = d.MaxTrackedKeys
	}
}

// Validate checks the rule table
func (c *Config) Validate() error {
	for i, r := range c.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("rule %d: pattern is required", i)
		}
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return fmt.Errorf("rule %d: invalid pattern %q: %w", i, r.Pattern, err)
		}
		if r.Window <= 0 || r.MaxRequests <= 0 {
			return fmt.Errorf("rule %d (%s): window and max_requests must be positive", i, r.Pattern)
		}
	}
	switch c.FailurePolicy {
	case "", security.FailOpen, security.FailClosed:
	default:
		return fmt.Errorf("unknown failure policy %q", c.FailurePolicy)
	}
	return nil
}

// resolve returns the normal-class rule for endpoint
func (c *Config) resolve(endpoint string) storage.WindowRule {
	rule := c.DefaultRule
	if endpoint != "" {
		for _, r := range c.Rules {
			if ok, _ := path.Match(r.Pattern, endpoint); ok {
				rule = r
				break
			}
		}
	}
	return storage.WindowRule{
		Window:      rule.Window,
		MaxRequests: rule.MaxRequests,
		RuleClass:   storage.RuleClassNormal,
	}
}

// strict returns the strict-class variant of rule
func (c *Config) strict(rule storage.WindowRule) storage.WindowRule {
	maxRequests := rule.MaxRequests / c.StrictDivisor
	if maxRequests < 1 {
		maxRequests = 1
	}
	return storage.WindowRule{
		Window:      rule.Window,
		MaxRequests: maxRequests,
		RuleClass:   storage.RuleClassStrict,
	}
}
