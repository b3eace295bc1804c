// Package storage defines the records and store interfaces used throughout the engine:
//   - EventStore: append-only security events
//   - BlacklistStore: revoked token fingerprints with TTL
//   - SessionStore: device-bound sessions with atomic cap enforcement
//   - AuditStore: redacted, hash-carrying audit entries
//   - RateLimitStore: atomic fixed-window counters
//   - RoleStore: two-level role assignments
//
// The store is the system of record for every record type. Caches kept by the
// services in front of it are accelerators only.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, tests, and single-instance deployments
//   - storage/sqlstore: GORM-backed storage (SQLite by default) for durable deployments
//   - storage/valkey: Valkey/Redis-compatible counters and blacklist for multi-instance deployments
package storage
