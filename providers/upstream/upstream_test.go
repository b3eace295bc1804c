package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lingualeap/apiguard/providers"
)

type mockIdP struct {
	server       *httptest.Server
	revoked      atomic.Value // last revoked token
	refreshCalls atomic.Int32
	noRevocation bool
	issuer       string
}

// newMockIdP starts an authorization server with discovery, token, userinfo and revocation endpoints
func newMockIdP(t *testing.T, opts ...func(*mockIdP)) *mockIdP {
	t.Helper()
	idp := &mockIdP{}
	for _, opt := range opts {
		opt(idp)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		md := Metadata{
			Issuer:           idp.server.URL,
			TokenEndpoint:    idp.server.URL + "/token",
			UserInfoEndpoint: idp.server.URL + "/userinfo",
		}
		if idp.issuer != "" {
			md.Issuer = idp.issuer
		}
		if !idp.noRevocation {
			md.RevocationEndpoint = idp.server.URL + "/revoke"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(md)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.refreshCalls.Add(1)
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("refresh_token") != "refresh-ok" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600,"refresh_token":"fresh-refresh"}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"user-42","email":"learner@example.com","email_verified":true,"groups":["students"]}`))
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		if !ok || user != "apiguard" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		idp.revoked.Store(r.Form.Get("token"))
		w.WriteHeader(http.StatusOK)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func testConfig(idp *mockIdP) *Config {
	return &Config{
		IssuerURL:      idp.server.URL,
		ClientID:       "apiguard",
		ClientSecret:   "secret",
		HTTPClient:     idp.server.Client(),
		skipValidation: true,
	}
}

func TestNewProvider_Discovery(t *testing.T) {
	idp := newMockIdP(t)

	p, err := NewProvider(context.Background(), testConfig(idp))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.config.Endpoint.TokenURL != idp.server.URL+"/token" {
		t.Errorf("TokenURL = %q, want discovered endpoint", p.config.Endpoint.TokenURL)
	}
	if p.revocationURL != idp.server.URL+"/revoke" {
		t.Errorf("revocationURL = %q, want discovered endpoint", p.revocationURL)
	}
	if p.Name() != "upstream" {
		t.Errorf("Name() = %q, want upstream", p.Name())
	}
}

func TestNewProvider_Errors(t *testing.T) {
	mismatch := newMockIdP(t, func(m *mockIdP) { m.issuer = "https://other.example.com" })

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"missing client id", &Config{TokenURL: "https://id.example.com/token"}},
		{"missing endpoints", &Config{ClientID: "apiguard"}},
		{"plain http token url", &Config{ClientID: "apiguard", TokenURL: "http://id.example.com/token"}},
		{"private token url", &Config{ClientID: "apiguard", TokenURL: "https://10.0.0.8/token"}},
		{"issuer mismatch", testConfig(mismatch)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(context.Background(), tt.cfg); err == nil {
				t.Error("NewProvider() error = nil, want error")
			}
		})
	}
}

func TestProvider_ValidateToken(t *testing.T) {
	idp := newMockIdP(t)
	p, err := NewProvider(context.Background(), testConfig(idp))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	info, err := p.ValidateToken(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if info.ID != "user-42" || info.Email != "learner@example.com" || len(info.Groups) != 1 {
		t.Errorf("ValidateToken() = %+v", info)
	}

	_, err = p.ValidateToken(context.Background(), "stolen-token")
	if !errors.Is(err, providers.ErrInvalidToken) {
		t.Errorf("ValidateToken(bad) error = %v, want ErrInvalidToken", err)
	}
}

func TestProvider_RefreshToken(t *testing.T) {
	idp := newMockIdP(t)
	p, err := NewProvider(context.Background(), testConfig(idp))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	token, err := p.RefreshToken(context.Background(), "refresh-ok")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if token.AccessToken != "fresh-access" || token.RefreshToken != "fresh-refresh" {
		t.Errorf("RefreshToken() = %+v", token)
	}
	if token.Expiry.IsZero() {
		t.Error("RefreshToken() returned token without expiry")
	}

	_, err = p.RefreshToken(context.Background(), "refresh-revoked")
	if !errors.Is(err, providers.ErrInvalidToken) {
		t.Errorf("RefreshToken(revoked) error = %v, want ErrInvalidToken", err)
	}

	if _, err := p.RefreshToken(context.Background(), ""); err == nil {
		t.Error("RefreshToken(\"\") error = nil, want error")
	}
	if got := idp.refreshCalls.Load(); got != 2 {
		t.Errorf("token endpoint calls = %d, want 2", got)
	}
}

func TestProvider_RevokeToken(t *testing.T) {
	idp := newMockIdP(t)
	p, err := NewProvider(context.Background(), testConfig(idp))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if err := p.RevokeToken(context.Background(), "compromised"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if got, _ := idp.revoked.Load().(string); got != "compromised" {
		t.Errorf("revoked token = %q, want compromised", got)
	}

	noRevoke := newMockIdP(t, func(m *mockIdP) { m.noRevocation = true })
	p, err = NewProvider(context.Background(), testConfig(noRevoke))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if err := p.RevokeToken(context.Background(), "x"); !errors.Is(err, ErrRevocationUnsupported) {
		t.Errorf("RevokeToken() error = %v, want ErrRevocationUnsupported", err)
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	idp := newMockIdP(t)
	p, err := NewProvider(context.Background(), testConfig(idp))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	idp.server.Close()
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() after shutdown error = nil, want error")
	}
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://id.example.com", false},
		{"https://id.example.com/oauth/token", false},
		{"http://id.example.com", true},
		{"https://127.0.0.1/token", true},
		{"https://192.168.1.10/token", true},
		{"https://169.254.169.254/latest", true},
		{"https://[::1]/token", true},
		{"https://0.0.0.0/token", true},
		{"https:///token", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		err := ValidateEndpointURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}
