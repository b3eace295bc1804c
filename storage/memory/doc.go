// Package memory provides an in-memory implementation of every storage interface.
//
// All read-modify-write operations (counter increments, session inserts under a
// cap, session updates) run under a single store mutex, which makes them atomic
// with respect to concurrent callers. Returned records are copies; callers never
// share memory with the store.
//
// The store keeps nothing on disk. It is suitable for development, tests and
// single-instance deployments. Use storage/sqlstore as the durable system of
// record and storage/valkey for counters shared between instances.
//
// Example usage:
//
//	store := memory.New()
//	sink, _ := security.NewSink(security.SinkConfig{Store: store})
//	limiter := ratelimit.New(ratelimit.DefaultConfig(), store, sink, clock, logger)
package memory
