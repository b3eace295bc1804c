package session

import (
	"fmt"
	"time"

	"github.com/lingualeap/apiguard/security"
)

const (
	// DefaultIdleTimeout is how long a session may go without activity
	DefaultIdleTimeout = 30 * time.Minute

	// MinIdleTimeout and MaxIdleTimeout bound the configurable idle timeout
	MinIdleTimeout = 30 * time.Minute
	MaxIdleTimeout = 60 * time.Minute

	// DefaultMaxSessions is the per-user concurrent session cap
	DefaultMaxSessions = 5

	// DefaultRapidCreationLimit is the number of sessions a user may create per RapidCreationWindow
	DefaultRapidCreationLimit = 3

	// DefaultRapidCreationWindow is the window of the rapid creation check
	DefaultRapidCreationWindow = time.Minute

	// DefaultMaxIPChanges is the number of IP changes a session may undergo before it is flagged
	DefaultMaxIPChanges = 3

	// antiFixationTokenBytes is the entropy of an anti-fixation token
	antiFixationTokenBytes = 32
)

// CapPolicy decides what happens when a user at the session cap logs in again
type CapPolicy string

const (
	// CapReject refuses the new session
	CapReject CapPolicy = "reject"

	// CapEvictOldest ends the oldest active session to make room
	CapEvictOldest CapPolicy = "evict_oldest"
)

// Config holds SessionManager configuration
type Config struct {
	// IdleTimeout ends sessions without activity. Between 30 and 60 minutes. Default: 30m
	IdleTimeout time.Duration `toml:"idle_timeout"`

	// MaxSessions is the per-user cap on active sessions. Default: 5
	MaxSessions int `toml:"max_sessions"`

	// CapPolicy applies at the cap. Default: CapReject
	CapPolicy CapPolicy `toml:"cap_policy"`

	// RapidCreationLimit is the number of sessions a user may create within
	// RapidCreationWindow before further attempts are refused. Default: 3
	RapidCreationLimit int `toml:"rapid_creation_limit"`

	// RapidCreationWindow is the window of the rapid creation check. Default: 1m
	RapidCreationWindow time.Duration `toml:"rapid_creation_window"`

	// MaxIPChanges is the number of IP changes after which a session is flagged. Default: 3
	MaxIPChanges int `toml:"max_ip_changes"`

	// FailurePolicy applies when the session store cannot be reached. Default: FailClosed
	FailurePolicy security.FailurePolicy `toml:"failure_policy"`
}

// DefaultConfig returns the default SessionManager configuration
func DefaultConfig() Config {
	return Config{
		IdleTimeout:         DefaultIdleTimeout,
		MaxSessions:         DefaultMaxSessions,
		CapPolicy:           CapReject,
		RapidCreationLimit:  DefaultRapidCreationLimit,
		RapidCreationWindow: DefaultRapidCreationWindow,
		MaxIPChanges:        DefaultMaxIPChanges,
		FailurePolicy:       security.FailClosed,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.CapPolicy == "" {
		c.CapPolicy = d.CapPolicy
	}
	if c.RapidCreationLimit <= 0 {
		c.RapidCreationLimit = d.RapidCreationLimit
	}
	if c.RapidCreationWindow <= 0 {
		c.RapidCreationWindow = d.RapidCreationWindow
	}
	if c.MaxIPChanges <= 0 {
		c.MaxIPChanges = d.MaxIPChanges
	}
	c.FailurePolicy = c.FailurePolicy.OrDefault(security.FailClosed)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.IdleTimeout != 0 && (c.IdleTimeout < MinIdleTimeout || c.IdleTimeout > MaxIdleTimeout) {
		return fmt.Errorf("idle timeout must be between %s and %s, got %s", MinIdleTimeout, MaxIdleTimeout, c.IdleTimeout)
	}
	if c.MaxSessions < 0 || c.RapidCreationLimit < 0 || c.MaxIPChanges < 0 {
		return fmt.Errorf("session limits must not be negative")
	}
	switch c.CapPolicy {
	case "", CapReject, CapEvictOldest:
	default:
		return fmt.Errorf("unknown session cap policy %q", c.CapPolicy)
	}
	switch c.FailurePolicy {
	case "", security.FailOpen, security.FailClosed:
	default:
		return fmt.Errorf("unknown failure policy %q", c.FailurePolicy)
	}
	return nil
}
