// Package apiguard is the security engine of the LinguaLeap API.
//
// A Guard composes the request validator, the rate limiter, the token guard, the
// session manager and the audit log over a single security event sink, and exposes
// the operations request handlers call:
//
//   - CheckAccess / Authorize: token, rate limit and role checks for one request
//   - ValidateRequest: field rules plus injection signature scanning
//   - SanitizeInput: HTML-safe copy of untrusted values
//
// # Usage
//
//	store, err := sqlstore.Open("apiguard.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	verifier, err := tokenguard.NewJWTVerifier(tokenguard.JWTConfig{HMACSecret: secret}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	guard, err := apiguard.New(apiguard.DefaultConfig(), apiguard.StoresFrom(store), provider, verifier)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer guard.Close()
//
//	ctx = security.WithClientIP(ctx, clientIP)
//	if !guard.CheckAccess(ctx, "/v1/lessons/42", accessToken, "student") {
//	    // reject
//	}
//
// # Failure Policy
//
// Token and session checks deny access when their store cannot be reached; the
// rate limiter allows the request. Each component takes a security.FailurePolicy
// to change its default. Infrastructure errors are logged and counted, and become
// an infrastructure_failure_recurring security event when they keep recurring.
//
// Every rejection that comes from a check itself, as opposed to an outage, is
// recorded as a security event.
package apiguard
