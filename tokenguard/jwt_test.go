package tokenguard

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lingualeap/apiguard/internal/testutil"
	"github.com/lingualeap/apiguard/providers"
	"github.com/lingualeap/apiguard/providers/mock"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func signHS256(t *testing.T, claims Claims, secret []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func TestJWTVerifier_Verify(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	now := clock.Now()

	v, err := NewJWTVerifier(JWTConfig{
		HMACSecret: testSecret,
		Issuer:     "https://auth.lingualeap.example",
		Audience:   "lingualeap-api",
	}, clock)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	base := func() Claims {
		return Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				Issuer:    "https://auth.lingualeap.example",
				Audience:  jwt.ClaimStrings{"lingualeap-api"},
				IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Role:      "student",
			SessionID: "sess-1",
		}
	}

	tests := []struct {
		name    string
		token   func() string
		wantErr bool
	}{
		{"valid", func() string { return signHS256(t, base(), testSecret) }, false},
		{"expired", func() string {
			c := base()
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
			return signHS256(t, c, testSecret)
		}, true},
		{"expired within leeway", func() string {
			c := base()
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-10 * time.Second))
			return signHS256(t, c, testSecret)
		}, false},
		{"missing expiry", func() string {
			c := base()
			c.ExpiresAt = nil
			return signHS256(t, c, testSecret)
		}, true},
		{"wrong issuer", func() string {
			c := base()
			c.Issuer = "https://evil.example"
			return signHS256(t, c, testSecret)
		}, true},
		{"wrong audience", func() string {
			c := base()
			c.Audience = jwt.ClaimStrings{"other-api"}
			return signHS256(t, c, testSecret)
		}, true},
		{"missing subject", func() string {
			c := base()
			c.Subject = ""
			return signHS256(t, c, testSecret)
		}, true},
		{"wrong secret", func() string {
			return signHS256(t, base(), []byte("ffffffffffffffffffffffffffffffff"))
		}, true},
		{"alg none", func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodNone, base()).SignedString(jwt.UnsafeAllowNoneSignatureType)
			return s
		}, true},
		{"garbage", func() string { return "not.a.jwt" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(tt.token())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidJWT) {
					t.Errorf("Verify() error = %v, want ErrInvalidJWT", err)
				}
				return
			}
			if claims.Subject != "user-1" || claims.Role != "student" || claims.SessionID != "sess-1" {
				t.Errorf("Verify() claims = %+v", claims)
			}
		})
	}
}

func TestJWTVerifier_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	v, err := NewJWTVerifier(JWTConfig{RSAPublicKey: &key.PublicKey}, nil)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-2",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	p, err := v.Principal(context.Background(), signed)
	if err != nil || p.UserID != "user-2" {
		t.Errorf("Principal() = %+v, %v", p, err)
	}

	// an HS256 token must not verify against an RSA configuration
	if _, err := v.Verify(signHS256(t, claims, testSecret)); err == nil {
		t.Error("HS256 token accepted by RS256 verifier")
	}
}

func TestNewJWTVerifier_Errors(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)

	tests := []struct {
		name string
		cfg  JWTConfig
	}{
		{"no key", JWTConfig{}},
		{"short secret", JWTConfig{HMACSecret: []byte("short")}},
		{"both keys", JWTConfig{HMACSecret: testSecret, RSAPublicKey: &key.PublicKey}},
	}
	for _, tt := range tests {
		if _, err := NewJWTVerifier(tt.cfg, nil); err == nil {
			t.Errorf("%s: NewJWTVerifier() error = nil", tt.name)
		}
	}
}

func TestProviderPrincipals(t *testing.T) {
	p := mock.New()
	p.AddUser("opaque-1", &providers.UserInfo{ID: "user-7"})
	r := ProviderPrincipals{Provider: p}

	got, err := r.Principal(context.Background(), "opaque-1")
	if err != nil || got.UserID != "user-7" {
		t.Errorf("Principal() = %+v, %v", got, err)
	}
	if _, err := r.Principal(context.Background(), "unknown"); !errors.Is(err, providers.ErrInvalidToken) {
		t.Errorf("Principal(unknown) error = %v, want ErrInvalidToken", err)
	}
}
