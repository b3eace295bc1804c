package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token expiration checks.
	// It absorbs small clock differences between this service and the identity provider.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// Clock is the time source used by every service of the engine.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// ClockOrSystem returns c, or SystemClock when c is nil
func ClockOrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

// IsExpiredAt reports whether expiresAt has passed at now, allowing gracePeriod of skew.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// RemainingValidity returns how long a credential expiring at expiresAt stays valid after now.
// It is negative for expired credentials.
func RemainingValidity(expiresAt, now time.Time) time.Duration {
	return expiresAt.Sub(now)
}

// IsExpiringWithin reports whether expiresAt falls within threshold of now
func IsExpiringWithin(expiresAt, now time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return RemainingValidity(expiresAt, now) < threshold
}
