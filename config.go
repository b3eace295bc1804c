package apiguard

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lingualeap/apiguard/audit"
	"github.com/lingualeap/apiguard/ratelimit"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/session"
	"github.com/lingualeap/apiguard/tokenguard"
	"github.com/lingualeap/apiguard/validation"
)

// Config holds the engine configuration.
// Structured by component; zero values fall back to each component's defaults.
type Config struct {
	// Validation configures the request validator
	Validation validation.Config

	// RateLimit configures the rate limiter
	RateLimit ratelimit.Config

	// Tokens configures the token guard
	Tokens tokenguard.Config

	// Sessions configures the session manager
	Sessions session.Config

	// Audit configures the audit log
	Audit audit.Config

	// FailureThreshold is the number of infrastructure errors per component within
	// FailureWindow that is escalated to an infrastructure_failure_recurring event.
	// Default: 5
	FailureThreshold int

	// FailureWindow is the observation window of FailureThreshold. Default: 1m
	FailureWindow time.Duration

	// EventBuffer is the queue length of each security event subscriber. Default: 256
	EventBuffer int

	// Clock drives every time-dependent check (optional, defaults to the system clock)
	Clock security.Clock

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		RateLimit:        ratelimit.DefaultConfig(),
		Tokens:           tokenguard.DefaultConfig(),
		Sessions:         session.DefaultConfig(),
		Audit:            audit.Config{RetentionDays: audit.DefaultRetentionDays},
		FailureThreshold: security.DefaultFailureThreshold,
		FailureWindow:    security.DefaultFailureWindow,
		EventBuffer:      security.DefaultSubscriberBuffer,
	}
}

// Validate checks the configuration of every component
func (c *Config) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if err := c.Tokens.Validate(); err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if c.FailureThreshold < 0 || c.FailureWindow < 0 || c.EventBuffer < 0 {
		return fmt.Errorf("failure settings must not be negative")
	}
	return nil
}
