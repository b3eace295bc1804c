package ratelimit

import (
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	tests := []struct {
		scope, identifier, endpoint string
		want                        string
	}{
		{ScopeIP, "10.0.0.1", "", "ip:10.0.0.1"},
		{ScopeIP, "10.0.0.1", "/v1/lessons", "ip:10.0.0.1:%2Fv1%2Flessons"},
		{ScopeIP, "2001:db8::1", "", "ip:2001%3Adb8%3A%3A1"},
		{ScopeUser, "user:admin", "/x", "user:user%3Aadmin:%2Fx"},
	}

	for _, tt := range tests {
		if got := Key(tt.scope, tt.identifier, tt.endpoint); got != tt.want {
			t.Errorf("Key(%q, %q, %q) = %q, want %q", tt.scope, tt.identifier, tt.endpoint, got, tt.want)
		}
	}
}

func TestParseKey(t *testing.T) {
	valid := Key(ScopeCombined, combinedIdentifier("10.0.0.1", "u1"), "/v1/lessons")
	pk, err := ParseKey(valid)
	if err != nil {
		t.Fatalf("ParseKey(%q) error = %v", valid, err)
	}
	if pk.Scope != ScopeCombined || pk.Identifier != "10.0.0.1|u1" || pk.Endpoint != "/v1/lessons" {
		t.Errorf("ParseKey() = %+v", pk)
	}

	invalid := []string{
		"",
		"ip",
		"ip:",
		"device:abc",
		"ip:10.0.0.1:/v1/lessons",
		"ip:a:b:c",
		"ip:%zz",
		"ip:10.0.0.1:",
	}
	for _, key := range invalid {
		if _, err := ParseKey(key); err == nil {
			t.Errorf("ParseKey(%q) error = nil, want error", key)
		}
	}
}

func TestConfig_Resolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = []Rule{
		{Pattern: "/v1/auth/*", Window: time.Minute, MaxRequests: 5},
		{Pattern: "/v1/*", Window: time.Minute, MaxRequests: 100},
	}

	tests := []struct {
		endpoint string
		want     int
	}{
		{"/v1/auth/login", 5},
		{"/v1/lessons", 100},
		{"/health", DefaultMaxRequests},
		{"", DefaultMaxRequests},
	}
	for _, tt := range tests {
		if got := cfg.resolve(tt.endpoint).MaxRequests; got != tt.want {
			t.Errorf("resolve(%q).MaxRequests = %d, want %d", tt.endpoint, got, tt.want)
		}
	}

	if got := cfg.strict(cfg.resolve("/v1/auth/login")).MaxRequests; got != 1 {
		t.Errorf("strict(5).MaxRequests = %d, want 1", got)
	}
	if got := cfg.strict(cfg.resolve("/v1/lessons")).MaxRequests; got != 25 {
		t.Errorf("strict(100).MaxRequests = %d, want 25", got)
	}
}
