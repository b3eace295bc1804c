package security

import (
	"testing"
	"time"
)

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"zero never expires", time.Time{}, 0, false},
		{"future", now.Add(time.Minute), 0, false},
		{"past without grace", now.Add(-time.Second), 0, true},
		{"past within grace", now.Add(-3 * time.Second), DefaultClockSkewGracePeriod, false},
		{"past beyond grace", now.Add(-10 * time.Second), DefaultClockSkewGracePeriod, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredAt(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiringWithin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !IsExpiringWithin(now.Add(4*time.Minute), now, 5*time.Minute) {
		t.Error("token expiring in 4m should be within a 5m threshold")
	}
	if IsExpiringWithin(now.Add(6*time.Minute), now, 5*time.Minute) {
		t.Error("token expiring in 6m should not be within a 5m threshold")
	}
	if IsExpiringWithin(time.Time{}, now, 5*time.Minute) {
		t.Error("zero expiry should never be expiring")
	}
}

func TestClockOrSystem(t *testing.T) {
	if _, ok := ClockOrSystem(nil).(SystemClock); !ok {
		t.Error("ClockOrSystem(nil) should return SystemClock")
	}
}
