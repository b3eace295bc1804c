// Package ratelimit implements fixed-window request budgets keyed by scope.
//
// A key is scope:identifier[:endpoint] where scope is one of ip, user, combined
// or endpoint. Each key is evaluated against the first rule whose pattern matches
// the endpoint, falling back to 60 requests per 60 seconds.
//
// On top of the counters the limiter:
//   - promotes keys that drain a short token bucket to a strict rule class
//     (MaxRequests divided by StrictDivisor) until their traffic calms down
//   - records suspicious_ip_rotation when a user appears from too many IPs and
//     distributed_bypass_attempt when too many ip/user pairs hit one endpoint at once
//   - refuses externally seeded counter state that does not match the key's
//     canonical derivation and pins such keys to the strictest rule
//
// The limiter fails open by default: when the counter store is unreachable the
// request proceeds and the error goes to the operational log.
package ratelimit
