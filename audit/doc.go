// Package audit records user and system actions in a tamper-evident log.
//
// Each entry carries a BLAKE2b-256 digest over its user, action and timestamp.
// VerifyLogIntegrity recomputes the digest, so edits to those fields made
// directly in the backing store are detected. Configure Config.HashKey to make
// the digest a keyed MAC that cannot be recomputed without the key.
//
// Data and metadata are redacted with package redact before persistence and
// again on every read and export.
package audit
