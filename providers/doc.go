// Package providers defines the identity provider collaborator of the engine.
//
// The engine never runs login flows itself. It only needs a provider to:
//   - resolve opaque access tokens to a user (ValidateToken)
//   - exchange refresh tokens during rotation (RefreshToken)
//   - revoke credentials after a compromise (RevokeToken)
//   - report reachability for readiness probes (HealthCheck)
//
// Implementations are provided in subpackages:
//   - providers/upstream: generic OAuth 2.0 / OIDC provider with endpoint discovery
//   - providers/mock: scripted provider for tests
//
// Example usage:
//
//	provider, err := upstream.NewProvider(ctx, &upstream.Config{
//	    IssuerURL:    "https://id.example.com",
//	    ClientID:     "apiguard",
//	    ClientSecret: os.Getenv("APIGUARD_CLIENT_SECRET"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	guard, _ := tokenguard.New(tokenguard.DefaultConfig(), store, store, provider, sink, clock, logger)
package providers
