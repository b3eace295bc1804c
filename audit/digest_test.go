package audit

import (
	"testing"
	"time"
)

func TestDigest(t *testing.T) {
	ts := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	base, err := Digest(nil, "user-1", "login", ts)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if len(base) != 64 {
		t.Errorf("len(Digest()) = %d, want 64", len(base))
	}

	tests := []struct {
		name      string
		key       []byte
		userID    string
		action    string
		timestamp time.Time
		same      bool
	}{
		{"identical", nil, "user-1", "login", ts, true},
		{"same instant other zone", nil, "user-1", "login", ts.In(time.FixedZone("CET", 3600)), true},
		{"sub-microsecond difference", nil, "user-1", "login", ts.Add(500 * time.Nanosecond), true},
		{"other user", nil, "user-2", "login", ts, false},
		{"other action", nil, "user-1", "logout", ts, false},
		{"field boundary shift", nil, "user-1l", "ogin", ts, false},
		{"later", nil, "user-1", "login", ts.Add(time.Microsecond), false},
		{"keyed", []byte("secret"), "user-1", "login", ts, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Digest(tt.key, tt.userID, tt.action, tt.timestamp)
			if err != nil {
				t.Fatalf("Digest() error = %v", err)
			}
			if (got == base) != tt.same {
				t.Errorf("Digest() == base is %v, want %v", got == base, tt.same)
			}
		})
	}
}

func TestVerifyDigest(t *testing.T) {
	ts := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	key := []byte("audit-key")
	hash, err := Digest(key, "user-1", "login", ts)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}

	if !VerifyDigest(key, hash, "user-1", "login", ts) {
		t.Error("VerifyDigest() = false for matching input")
	}
	if VerifyDigest(nil, hash, "user-1", "login", ts) {
		t.Error("VerifyDigest() = true without the key")
	}
	if VerifyDigest(make([]byte, 65), hash, "user-1", "login", ts) {
		t.Error("VerifyDigest() = true with an invalid key")
	}
}
