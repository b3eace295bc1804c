package tokenguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/lingualeap/apiguard/internal/testutil"
	"github.com/lingualeap/apiguard/providers/mock"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/storage"
	"github.com/lingualeap/apiguard/storage/memory"
)

type invalidation struct {
	userID, keep string
}

type fakeSessions struct {
	mu    sync.Mutex
	calls []invalidation
	err   error
}

func (f *fakeSessions) InvalidateUserSessions(_ context.Context, userID, keep string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invalidation{userID, keep})
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func (f *fakeSessions) Calls() []invalidation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invalidation(nil), f.calls...)
}

type staticPrincipals map[string]Principal

func (s staticPrincipals) Principal(_ context.Context, token string) (Principal, error) {
	if p, ok := s[token]; ok {
		return p, nil
	}
	return Principal{}, errors.New("unknown token")
}

type fixture struct {
	guard    *Guard
	store    *memory.Store
	events   *testutil.EventRecorder
	clock    *testutil.MockTime
	provider *mock.Provider
	sessions *fakeSessions
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		store:    memory.New(),
		events:   testutil.NewEventRecorder(),
		clock:    testutil.NewMockTime(time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)),
		provider: mock.New(),
		sessions: &fakeSessions{},
	}
	f.provider.Now = f.clock.Now

	g, err := New(cfg, f.store, f.store, f.provider, f.events, f.clock, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g.SetSessionInvalidator(f.sessions)
	f.guard = g
	return f
}

func TestGuard_BlacklistUntilTTLAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.guard.Blacklist(ctx, "tkn1", ReasonLogout); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}
	if !f.guard.IsBlacklisted(ctx, "tkn1") {
		t.Fatal("IsBlacklisted(tkn1) = false, want true")
	}
	testutil.AssertEvent(t, f.events, security.EventTokenBlacklisted, security.SeverityMedium)

	f.clock.Advance(23 * time.Hour)
	if !f.guard.IsBlacklisted(ctx, "tkn1") {
		t.Error("IsBlacklisted(tkn1) before TTL = false, want true")
	}

	// TTL elapsed, entry not yet purged
	f.clock.Advance(time.Hour)
	if f.guard.IsBlacklisted(ctx, "tkn1") {
		t.Error("IsBlacklisted(tkn1) after TTL = true, want false")
	}

	purged, err := f.guard.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", purged)
	}
	if f.guard.IsBlacklisted(ctx, "tkn1") {
		t.Error("IsBlacklisted(tkn1) after purge = true, want false")
	}
	if state, _ := f.guard.State(ctx, "tkn1"); state != StateActive {
		t.Errorf("State() after purge = %s, want active", state)
	}
}

func TestGuard_BlacklistStoresFingerprintOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.guard.Blacklist(ctx, "raw-secret-token", ReasonAdminRevoked); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}

	if _, err := f.store.GetBlacklistEntry(ctx, "raw-secret-token"); !errors.Is(err, storage.ErrBlacklistEntryNotFound) {
		t.Errorf("raw token found in store, err = %v", err)
	}
	entry, err := f.store.GetBlacklistEntry(ctx, security.TokenFingerprint("raw-secret-token"))
	if err != nil {
		t.Fatalf("GetBlacklistEntry(fingerprint) error = %v", err)
	}
	if entry.Reason != ReasonAdminRevoked {
		t.Errorf("Reason = %q, want %q", entry.Reason, ReasonAdminRevoked)
	}
	if want := f.clock.Now().Add(DefaultBlacklistTTL); !entry.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", entry.ExpiresAt, want)
	}
}

func TestGuard_IsBlacklistedFailurePolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy security.FailurePolicy
		want   bool
	}{
		{"fails closed by default", "", true},
		{"fail open", security.FailOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.FailurePolicy = tt.policy })
			f.store.InjectError(errors.New("connection reset"))

			if got := f.guard.IsBlacklisted(context.Background(), "tkn-unknown"); got != tt.want {
				t.Errorf("IsBlacklisted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGuard_CachedEntrySurvivesOutage(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FailurePolicy = security.FailOpen })
	ctx := context.Background()

	_ = f.guard.Blacklist(ctx, "tkn2", ReasonLogout)
	f.store.InjectError(errors.New("timeout"))

	if !f.guard.IsBlacklisted(ctx, "tkn2") {
		t.Error("cached blacklisted token passed during outage")
	}
}

func TestGuard_BlacklistInvalidatesSessions(t *testing.T) {
	tests := []struct {
		name      string
		rev       Revocation
		wantCalls []invalidation
	}{
		{
			name:      "logout ends every session",
			rev:       Revocation{Token: "t1", Reason: ReasonLogout, UserID: "u1"},
			wantCalls: []invalidation{{"u1", ""}},
		},
		{
			name:      "keep the revoking session",
			rev:       Revocation{Token: "t2", Reason: ReasonCompromised, UserID: "u2", KeepSessionID: "s-current"},
			wantCalls: []invalidation{{"u2", "s-current"}},
		},
		{
			name: "rotation keeps sessions",
			rev:  Revocation{Token: "t3", Reason: ReasonRotated, UserID: "u3"},
		},
		{
			name: "unknown principal",
			rev:  Revocation{Token: "t4", Reason: ReasonLogout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.guard.Revoke(context.Background(), tt.rev); err != nil {
				t.Fatalf("Revoke() error = %v", err)
			}
			got := f.sessions.Calls()
			if len(got) != len(tt.wantCalls) {
				t.Fatalf("invalidations = %v, want %v", got, tt.wantCalls)
			}
			for i := range got {
				if got[i] != tt.wantCalls[i] {
					t.Errorf("invalidation %d = %v, want %v", i, got[i], tt.wantCalls[i])
				}
			}
		})
	}
}

func TestGuard_BlacklistResolvesPrincipal(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RevokeUpstream = true })
	f.guard.SetPrincipalResolver(staticPrincipals{"stolen": {UserID: "user-5"}})

	if err := f.guard.Blacklist(context.Background(), "stolen", ReasonCompromised); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}

	if calls := f.sessions.Calls(); len(calls) != 1 || calls[0].userID != "user-5" {
		t.Errorf("invalidations = %v, want user-5", calls)
	}
	e, _ := f.events.Last(security.EventTokenBlacklisted)
	if e.UserID != "user-5" || e.Details["sessions_invalidated"] != int64(2) {
		t.Errorf("event = %+v", e)
	}
	if revoked := f.provider.Revoked(); len(revoked) != 1 || revoked[0] != "stolen" {
		t.Errorf("upstream revocations = %v, want [stolen]", revoked)
	}
}

func TestGuard_BlacklistErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.guard.Blacklist(ctx, "", ReasonLogout); err == nil {
		t.Error("Blacklist(empty token) error = nil")
	}
	if err := f.guard.Blacklist(ctx, "t", ""); err == nil {
		t.Error("Blacklist(empty reason) error = nil")
	}

	f.store.InjectError(errors.New("disk full"))
	if err := f.guard.Blacklist(ctx, "t", ReasonLogout); err == nil {
		t.Error("Blacklist() with failing store error = nil")
	}
	testutil.AssertNoEvent(t, f.events, security.EventTokenBlacklisted)
	f.store.InjectError(nil)

	f.sessions.err = errors.New("session store down")
	err := f.guard.Revoke(ctx, Revocation{Token: "t", Reason: ReasonLogout, UserID: "u"})
	if err == nil {
		t.Error("Revoke() with failing invalidation error = nil")
	}
	if !f.guard.IsBlacklisted(ctx, "t") {
		t.Error("token not blacklisted when invalidation failed")
	}
}

func TestGuard_RotateIfNeeded(t *testing.T) {
	f := newFixture(t)
	f.guard.SetPrincipalResolver(staticPrincipals{"old-access": {UserID: "user-9"}})
	ctx := context.Background()

	fresh := &oauth2.Token{AccessToken: "fresh", RefreshToken: "r0", Expiry: f.clock.Now().Add(10 * time.Minute)}
	res, err := f.guard.RotateIfNeeded(ctx, fresh)
	if err != nil || res.Rotated || res.NewToken != nil {
		t.Errorf("RotateIfNeeded(10m left) = %+v, %v, want no rotation", res, err)
	}

	noExpiry := &oauth2.Token{AccessToken: "static", RefreshToken: "r0"}
	if res, _ := f.guard.RotateIfNeeded(ctx, noExpiry); res.Rotated {
		t.Error("token without expiry was rotated")
	}
	if f.provider.CallCount("RefreshToken") != 0 {
		t.Fatalf("provider called for tokens outside the threshold")
	}

	old := &oauth2.Token{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: f.clock.Now().Add(4 * time.Minute)}
	res, err = f.guard.RotateIfNeeded(ctx, old)
	if err != nil {
		t.Fatalf("RotateIfNeeded() error = %v", err)
	}
	if !res.Rotated || res.NewToken == nil || res.NewToken.AccessToken == "old-access" {
		t.Fatalf("RotateIfNeeded() = %+v, want rotation to a new token", res)
	}

	if state, _ := f.guard.State(ctx, "old-access"); state != StateRotated {
		t.Errorf("State(old) = %s, want rotated", state)
	}
	if f.guard.IsBlacklisted(ctx, res.NewToken.AccessToken) {
		t.Error("new token is blacklisted")
	}
	testutil.AssertEvent(t, f.events, security.EventTokenRotated, security.SeverityLow)
	if len(f.sessions.Calls()) != 0 {
		t.Error("rotation invalidated sessions")
	}

	// presenting the retired token again
	if _, err := f.guard.RotateIfNeeded(ctx, old); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("second RotateIfNeeded() error = %v, want ErrTokenRevoked", err)
	}
}

func TestGuard_RotateIfNeededSharesInflightExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	f.provider.RefreshTokenFunc = func(context.Context, string) (*oauth2.Token, error) {
		close(started)
		<-release
		return &oauth2.Token{AccessToken: "rotated-once", Expiry: f.clock.Now().Add(time.Hour)}, nil
	}

	old := &oauth2.Token{AccessToken: "busy", RefreshToken: "busy-refresh", Expiry: f.clock.Now().Add(time.Minute)}

	type outcome struct {
		res *RotationResult
		err error
	}
	results := make(chan outcome, 5)
	go func() {
		res, err := f.guard.RotateIfNeeded(ctx, old)
		results <- outcome{res, err}
	}()
	<-started

	if state, _ := f.guard.State(ctx, "busy"); state != StateRotationPending {
		t.Errorf("State() during exchange = %s, want rotation_pending", state)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.guard.RotateIfNeeded(ctx, old)
			results <- outcome{res, err}
		}()
	}
	close(release)
	wg.Wait()

	for i := 0; i < 5; i++ {
		o := <-results
		switch {
		case o.err == nil:
			if !o.res.Rotated || o.res.NewToken.AccessToken != "rotated-once" {
				t.Errorf("result = %+v, want shared rotation", o.res)
			}
		case !errors.Is(o.err, ErrTokenRevoked):
			t.Errorf("unexpected error %v", o.err)
		}
	}
	if n := f.provider.CallCount("RefreshToken"); n != 1 {
		t.Errorf("provider RefreshToken calls = %d, want 1", n)
	}
}

func TestGuard_RefreshAttemptCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.RefreshTokenFunc = func(context.Context, string) (*oauth2.Token, error) {
		return nil, errors.New("invalid_grant")
	}

	for i := 1; i <= 3; i++ {
		_, err := f.guard.Refresh(ctx, "guessed-refresh")
		if err == nil || errors.Is(err, ErrTooManyRefreshAttempts) {
			t.Fatalf("attempt %d error = %v, want provider error", i, err)
		}
	}

	// a valid credential is refused as well once the cap is reached
	f.provider.RefreshTokenFunc = nil
	if _, err := f.guard.Refresh(ctx, "guessed-refresh"); !errors.Is(err, ErrTooManyRefreshAttempts) {
		t.Fatalf("attempt 4 error = %v, want ErrTooManyRefreshAttempts", err)
	}
	testutil.AssertEvent(t, f.events, security.EventSuspiciousRefreshAttempts, security.SeverityHigh)
	if n := f.provider.CallCount("RefreshToken"); n != 3 {
		t.Errorf("provider calls = %d, want 3", n)
	}

	// other refresh tokens are unaffected
	if _, err := f.guard.Refresh(ctx, "another-refresh"); err != nil {
		t.Errorf("Refresh(another) error = %v", err)
	}

	f.clock.Advance(DefaultRefreshWindow + time.Second)
	if _, err := f.guard.Refresh(ctx, "guessed-refresh"); err != nil {
		t.Errorf("Refresh() after window error = %v", err)
	}
}

func TestGuard_RefreshRevokedToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.guard.Blacklist(ctx, "leaked-refresh", ReasonCompromised)
	if _, err := f.guard.Refresh(ctx, "leaked-refresh"); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Refresh() error = %v, want ErrTokenRevoked", err)
	}
	if f.provider.CallCount("RefreshToken") != 0 {
		t.Error("provider contacted for a revoked refresh token")
	}
}

func TestGuard_RefreshCounterOutage(t *testing.T) {
	f := newFixture(t)
	f.store.InjectError(errors.New("down"))

	if _, err := f.guard.Refresh(context.Background(), "r"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Refresh() error = %v, want ErrUnavailable", err)
	}
}
