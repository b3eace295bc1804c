package security

import "testing"

func TestHashForLogging(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q, want <empty>", got)
	}

	a := HashForLogging("user-1")
	if len(a) != 16 {
		t.Errorf("len(HashForLogging()) = %d, want 16", len(a))
	}
	if a != HashForLogging("user-1") {
		t.Error("HashForLogging() should be deterministic")
	}
	if a == HashForLogging("user-2") {
		t.Error("HashForLogging() should differ for different inputs")
	}
}

func TestTokenFingerprint(t *testing.T) {
	fp := TokenFingerprint("tkn1")
	if len(fp) != 64 {
		t.Errorf("len(TokenFingerprint()) = %d, want 64", len(fp))
	}
	if fp == "tkn1" {
		t.Error("TokenFingerprint() must not return the raw token")
	}
	if TokenLogPrefix("tkn1") != fp[:8] {
		t.Errorf("TokenLogPrefix() = %q, want %q", TokenLogPrefix("tkn1"), fp[:8])
	}
}
