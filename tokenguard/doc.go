// Package tokenguard manages the lifecycle of access tokens.
//
// A token moves through Active, RotationPending, Rotated or Blacklisted, and Purged.
// The Guard provides:
//   - Blacklist/Revoke: persist a fingerprint entry with a TTL and end the principal's sessions
//   - IsBlacklisted: presence and TTL check, failing closed on store errors by default
//   - RotateIfNeeded: exchange tokens near expiry and retire the old one
//   - Refresh: refresh-token exchange behind a per-token attempt cap
//   - ValidateToken: detection of replayed rotated tokens and tokens shared across IPs
//
// JWTVerifier verifies signed access tokens and resolves them to principals.
package tokenguard
