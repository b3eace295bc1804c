package apiguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lingualeap/apiguard/internal/testutil"
	"github.com/lingualeap/apiguard/ratelimit"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/session"
	"github.com/lingualeap/apiguard/storage"
	"github.com/lingualeap/apiguard/storage/memory"
	"github.com/lingualeap/apiguard/tokenguard"
	"github.com/lingualeap/apiguard/validation"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	guard *Guard
	store *memory.Store
	clock *testutil.MockTime
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		store: memory.New(),
		clock: testutil.NewMockTime(time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)),
	}

	cfg := DefaultConfig()
	cfg.Clock = f.clock
	cfg.Logger = testutil.DiscardLogger()
	cfg.RateLimit.Rules = []ratelimit.Rule{
		{Pattern: "/v1/lessons/*", Window: time.Minute, MaxRequests: 5},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	verifier, err := tokenguard.NewJWTVerifier(tokenguard.JWTConfig{HMACSecret: testSecret}, f.clock)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	g, err := New(cfg, StoresFrom(f.store), nil, verifier)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(g.Close)
	f.guard = g
	return f
}

// token signs an access token for userID valid for one hour
func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	now := f.clock.Now()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenguard.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func (f *fixture) events(t *testing.T, eventType string) []*storage.SecurityEvent {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), storage.EventFilter{Type: eventType})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	return events
}

func clientCtx(ip string) context.Context {
	return security.WithClientIP(context.Background(), ip)
}

func TestNew_Requirements(t *testing.T) {
	store := memory.New()
	verifier, err := tokenguard.NewJWTVerifier(tokenguard.JWTConfig{HMACSecret: testSecret}, nil)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	missingRoles := StoresFrom(store)
	missingRoles.Roles = nil

	invalid := DefaultConfig()
	invalid.Sessions.IdleTimeout = 5 * time.Minute

	tests := []struct {
		name       string
		cfg        Config
		stores     Stores
		principals tokenguard.PrincipalResolver
	}{
		{"missing store", DefaultConfig(), missingRoles, verifier},
		{"no principal resolver and no provider", DefaultConfig(), StoresFrom(store), nil},
		{"invalid component config", invalid, StoresFrom(store), verifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.stores, nil, tt.principals); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestGuard_CheckAccess_Allowed(t *testing.T) {
	f := newFixture(t)

	decision := f.guard.Authorize(clientCtx("203.0.113.7"), "/v1/profile", f.token(t, "user-1"), "")
	if !decision.Allowed {
		t.Fatalf("Authorize() denied: reason %q, err %v", decision.Reason, decision.Err)
	}
	if decision.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", decision.UserID, "user-1")
	}
	if decision.Reason != ReasonAllowed {
		t.Errorf("Reason = %q, want %q", decision.Reason, ReasonAllowed)
	}
}

func TestGuard_CheckAccess_RejectsBadTokens(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		token      string
		wantReason string
		wantCode   string
	}{
		{"missing", "", ReasonMissingToken, ErrorCodeMissingToken},
		{"garbage", "not-a-jwt", ReasonInvalidToken, ErrorCodeInvalidToken},
		{"wrong signature", f.token(t, "user-1") + "x", ReasonInvalidToken, ErrorCodeInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := f.guard.Authorize(clientCtx("203.0.113.7"), "/v1/profile", tt.token, "")
			if decision.Allowed {
				t.Fatal("Authorize() allowed an invalid token")
			}
			if decision.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", decision.Reason, tt.wantReason)
			}
			if decision.Err == nil || decision.Err.Code != tt.wantCode {
				t.Errorf("Err = %v, want code %q", decision.Err, tt.wantCode)
			}
			if !errors.Is(decision.Err, ErrAuthorization) {
				t.Errorf("Err = %v, want an authorization error", decision.Err)
			}
		})
	}

	if got := len(f.events(t, security.EventInvalidToken)); got != len(tests) {
		t.Errorf("invalid_token events = %d, want %d", got, len(tests))
	}
}

func TestGuard_CheckAccess_BlacklistedUntilPurged(t *testing.T) {
	f := newFixture(t)
	ctx := clientCtx("203.0.113.7")
	tkn := f.token(t, "user-1")

	if !f.guard.CheckAccess(ctx, "/v1/profile", tkn, "") {
		t.Fatal("CheckAccess() denied a fresh token")
	}

	if err := f.guard.Tokens().Blacklist(ctx, tkn, tokenguard.ReasonLogout); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}
	if !f.guard.Tokens().IsBlacklisted(ctx, tkn) {
		t.Error("IsBlacklisted() = false after Blacklist()")
	}

	for i := range 3 {
		decision := f.guard.Authorize(ctx, "/v1/profile", tkn, "")
		if decision.Allowed {
			t.Fatalf("attempt %d: blacklisted token allowed", i+1)
		}
		if decision.Err.Code != ErrorCodeTokenRevoked {
			t.Errorf("Err.Code = %q, want %q", decision.Err.Code, ErrorCodeTokenRevoked)
		}
	}
	if len(f.events(t, security.EventBlacklistedTokenUsed)) == 0 {
		t.Error("expected blacklisted_token_used events")
	}

	f.clock.Advance(tokenguard.DefaultBlacklistTTL + time.Hour)
	if _, err := f.guard.Tokens().PurgeExpired(context.Background()); err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if f.guard.Tokens().IsBlacklisted(ctx, tkn) {
		t.Error("IsBlacklisted() = true after TTL and purge")
	}

	// no blacklist entry any more: the token is judged on its own, and it has expired
	decision := f.guard.Authorize(ctx, "/v1/profile", tkn, "")
	if decision.Allowed {
		t.Error("expired token allowed after purge")
	}
	if decision.Reason != ReasonInvalidToken {
		t.Errorf("Reason = %q, want %q", decision.Reason, ReasonInvalidToken)
	}
}

func TestGuard_CheckAccess_RateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := clientCtx("198.51.100.23")
	tkn := f.token(t, "user-1")

	for i := 1; i <= 6; i++ {
		decision := f.guard.Authorize(ctx, "/v1/lessons/42", tkn, "")
		if i <= 5 && !decision.Allowed {
			t.Fatalf("request %d denied: %q", i, decision.Reason)
		}
		if i == 6 {
			if decision.Allowed {
				t.Fatal("request 6 allowed, want rate limited")
			}
			if decision.Reason != ReasonRateLimited {
				t.Errorf("Reason = %q, want %q", decision.Reason, ReasonRateLimited)
			}
			if decision.Err.HTTPStatus() != 429 {
				t.Errorf("HTTPStatus() = %d, want 429", decision.Err.HTTPStatus())
			}
		}
	}

	events := f.events(t, security.EventRateLimitExceeded)
	if len(events) != 1 {
		t.Fatalf("rate_limit_exceeded events = %d, want 1", len(events))
	}
	if events[0].Severity != string(security.SeverityHigh) {
		t.Errorf("severity = %q, want high for the IP scope", events[0].Severity)
	}
}

func TestGuard_CheckAccess_Roles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SetRole(ctx, &storage.RoleAssignment{UserID: "tutor-1", Role: "tutor", ParentRole: "student"}); err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}

	tests := []struct {
		name     string
		userID   string
		required string
		want     bool
	}{
		{"no role required", "nobody", "", true},
		{"own role", "tutor-1", "tutor", true},
		{"parent role", "tutor-1", "student", true},
		{"grandparent level not consulted", "tutor-1", "admin", false},
		{"no assignment", "nobody", "student", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := f.guard.Authorize(clientCtx("192.0.2.1"), "/v1/classes", f.token(t, tt.userID), tt.required)
			if decision.Allowed != tt.want {
				t.Errorf("Authorize() allowed = %v, want %v (reason %q)", decision.Allowed, tt.want, decision.Reason)
			}
			if !tt.want && decision.Err.HTTPStatus() != 403 {
				t.Errorf("HTTPStatus() = %d, want 403", decision.Err.HTTPStatus())
			}
		})
	}

	if got := len(f.events(t, security.EventInsufficientPermissions)); got != 2 {
		t.Errorf("insufficient_permissions events = %d, want 2", got)
	}
}

func TestGuard_CheckAccess_StoreOutageFailsClosed(t *testing.T) {
	f := newFixture(t)
	tkn := f.token(t, "user-1")

	f.store.InjectError(errors.New("connection refused"))
	decision := f.guard.Authorize(clientCtx("203.0.113.7"), "/v1/profile", tkn, "")
	f.store.InjectError(nil)

	if decision.Allowed {
		t.Fatal("Authorize() allowed during a store outage")
	}
	if !errors.Is(decision.Err, ErrInfrastructure) {
		t.Errorf("Err = %v, want an infrastructure error", decision.Err)
	}

	if !f.guard.CheckAccess(clientCtx("203.0.113.7"), "/v1/profile", tkn, "") {
		t.Error("CheckAccess() denied after the store recovered")
	}
}

func TestGuard_ValidateRequest(t *testing.T) {
	f := newFixture(t)

	rules := validation.Rules{
		"email":    {Type: validation.TypeEmail, Required: true},
		"nickname": {Type: validation.TypeString, MinLength: 3, MaxLength: 20},
	}

	result := f.guard.ValidateRequest(context.Background(), "/v1/profile", "POST", map[string]any{
		"nickname": "<script>alert(1)</script>",
	}, rules)

	if result.IsValid {
		t.Error("ValidateRequest() IsValid = true, want false for missing email and long nickname")
	}
	if len(result.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2: %v", len(result.Errors), result.Messages())
	}
	if len(f.events(t, security.EventSuspiciousActivity)) != 1 {
		t.Error("expected one suspicious_activity event")
	}
}

func TestGuard_SanitizeInput(t *testing.T) {
	f := newFixture(t)

	got := f.guard.SanitizeInput(map[string]any{
		"bio":  `<b>"hi"</b>`,
		"tags": []any{"<i>", nil, 3},
	})

	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("SanitizeInput() returned %T, want map", got)
	}
	if m["bio"] != "&lt;b&gt;&#34;hi&#34;&lt;/b&gt;" {
		t.Errorf("bio = %q", m["bio"])
	}
	tags := m["tags"].([]any)
	if tags[0] != "&lt;i&gt;" || tags[1] != nil || tags[2] != 3 {
		t.Errorf("tags = %v", tags)
	}
	if f.guard.SanitizeInput(nil) != nil {
		t.Error("SanitizeInput(nil) != nil")
	}
}

func TestGuard_Logout(t *testing.T) {
	f := newFixture(t)
	ctx := clientCtx("203.0.113.7")
	tkn := f.token(t, "user-1")

	sess, err := f.guard.Sessions().CreateSession(ctx, session.CreateRequest{
		UserID:    "user-1",
		DeviceID:  "device-a",
		IPAddress: "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := f.guard.Logout(ctx, tkn, sess.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if f.guard.CheckAccess(ctx, "/v1/profile", tkn, "") {
		t.Error("CheckAccess() allowed a logged out token")
	}
	if f.guard.Sessions().ValidateSession(ctx, sess.ID, sess.AntiFixationToken, "device-a") {
		t.Error("session still valid after logout")
	}

	logs, err := f.guard.Audit().GetUserLogs(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("GetUserLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "logout" {
		t.Errorf("audit logs = %+v, want one logout entry", logs)
	}
}
