// Package valkey provides a Valkey storage backend for the hot request-path state
// of the security engine.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Sharing counters and the blacklist through it lets several engine instances
// enforce one rate limit and honor one revocation list.
//
// # Implemented Interfaces
//
//   - [storage.RateLimitStore]: fixed-window counters
//   - [storage.BlacklistStore]: revoked token fingerprints
//
// # Key Schema
//
// All keys use a configurable prefix (default "apiguard:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}rl:{counterKey}   -> HASH{count, window_start, window, max, class} (TTL: window + 1m)
//	{prefix}bl:{fingerprint}  -> JSON(BlacklistEntry) (TTL: until ExpiresAt)
//
// Timestamps are stored as Unix microseconds.
//
// # Atomic Operations
//
// IncrementWindow runs as a Lua script, so the window roll-over, the limit check
// and the increment happen as one step on the server. Two instances hitting the
// same counter can never both be accepted past the limit.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "apiguard:",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	limiter, err := ratelimit.New(cfg, store, sink, nil, logger)
//
// # Testing
//
// Tests connect to VALKEY_TEST_ADDR (default localhost:6379) and are skipped
// when no server is reachable.
package valkey
