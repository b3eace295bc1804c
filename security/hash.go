package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// tokenLogPrefixLength is the number of fingerprint characters included in log lines
const tokenLogPrefixLength = 8

// HashForLogging creates a short SHA256 hash of sensitive data for logging
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

// TokenFingerprint returns the SHA256 fingerprint under which a token is stored.
// Raw tokens are never persisted by the engine.
func TokenFingerprint(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// TokenLogPrefix returns a short, non-reversible identifier for a token suitable for logs
func TokenLogPrefix(token string) string {
	if token == "" {
		return "<empty>"
	}
	return TokenFingerprint(token)[:tokenLogPrefixLength]
}
