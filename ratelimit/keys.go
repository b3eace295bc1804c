package ratelimit

import (
	"fmt"
	"net/url"
	"strings"
)

// Scopes of a rate limit key
const (
	ScopeIP       = "ip"
	ScopeUser     = "user"
	ScopeCombined = "combined"
	ScopeEndpoint = "endpoint"
)

// Key derives the canonical counter key scope:identifier[:endpoint].
// Identifier and endpoint are query-escaped so the separator cannot be injected.
func Key(scope, identifier, endpoint string) string {
	key := scope + ":" + url.QueryEscape(identifier)
	if endpoint != "" {
		key += ":" + url.QueryEscape(endpoint)
	}
	return key
}

// combinedIdentifier is the identifier of the joint ip+user key
func combinedIdentifier(ip, userID string) string {
	return ip + "|" + userID
}

// ParsedKey is the decomposition of a canonical key
type ParsedKey struct {
	Scope      string
	Identifier string
	Endpoint   string
}

// ParseKey decomposes key and verifies that it is canonical: re-deriving the key from
// its parts yields exactly key and the scope is known.
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return ParsedKey{}, fmt.Errorf("malformed rate limit key")
	}

	var pk ParsedKey
	pk.Scope = parts[0]
	switch pk.Scope {
	case ScopeIP, ScopeUser, ScopeCombined, ScopeEndpoint:
	default:
		return ParsedKey{}, fmt.Errorf("unknown rate limit scope %q", pk.Scope)
	}

	var err error
	if pk.Identifier, err = url.QueryUnescape(parts[1]); err != nil || pk.Identifier == "" {
		return ParsedKey{}, fmt.Errorf("invalid rate limit identifier")
	}
	if len(parts) == 3 {
		if pk.Endpoint, err = url.QueryUnescape(parts[2]); err != nil || pk.Endpoint == "" {
			return ParsedKey{}, fmt.Errorf("invalid rate limit endpoint")
		}
	}

	if Key(pk.Scope, pk.Identifier, pk.Endpoint) != key {
		return ParsedKey{}, fmt.Errorf("rate limit key is not canonical")
	}
	return pk, nil
}
