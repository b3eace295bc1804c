package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lingualeap/apiguard/providers"
)

func TestProvider_Defaults(t *testing.T) {
	p := New()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.Now = func() time.Time { return fixed }
	p.AddUser("access-1", &providers.UserInfo{ID: "user-1"})
	ctx := context.Background()

	info, err := p.ValidateToken(ctx, "access-1")
	if err != nil || info.ID != "user-1" {
		t.Errorf("ValidateToken() = %+v, %v", info, err)
	}
	if _, err := p.ValidateToken(ctx, "unknown"); !errors.Is(err, providers.ErrInvalidToken) {
		t.Errorf("ValidateToken(unknown) error = %v, want ErrInvalidToken", err)
	}

	first, _ := p.RefreshToken(ctx, "refresh-1")
	second, _ := p.RefreshToken(ctx, "refresh-1")
	if first.AccessToken == second.AccessToken {
		t.Error("RefreshToken() issued the same access token twice")
	}
	if !first.Expiry.Equal(fixed.Add(time.Hour)) {
		t.Errorf("Expiry = %v, want %v", first.Expiry, fixed.Add(time.Hour))
	}

	_ = p.RevokeToken(ctx, "access-1")
	if got := p.Revoked(); len(got) != 1 || got[0] != "access-1" {
		t.Errorf("Revoked() = %v", got)
	}
	if p.CallCount("RefreshToken") != 2 {
		t.Errorf("CallCount(RefreshToken) = %d, want 2", p.CallCount("RefreshToken"))
	}
}

func TestProvider_Overrides(t *testing.T) {
	p := New()
	down := errors.New("provider down")
	p.HealthCheckFunc = func(context.Context) error { return down }

	if err := p.HealthCheck(context.Background()); !errors.Is(err, down) {
		t.Errorf("HealthCheck() error = %v, want %v", err, down)
	}
}
