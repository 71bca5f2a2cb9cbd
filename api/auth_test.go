package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"name":  "Ada",
		"email": "ada@example.com",
		"aud":   "api://aud",
		"iss":   "https://tenant.example.com/",
		"exp":   time.Now().Add(5 * time.Minute).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "case and spaces", header: "  bearer   a.b.c ", want: "a.b.c"},
		{name: "missing", header: "   ", wantErr: errMissingAuthorization},
		{name: "basic", header: "Basic dXNlcjpwYXNz", wantErr: errBadAuthorization},
		{name: "no token", header: "Bearer", wantErr: errBadAuthorization},
		{name: "many periods", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerToken(tt.header)
			if err != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestUserFromAuthHeaderHS256(t *testing.T) {
	auth, err := NewAuth(AuthOptions{Domain: "tenant.example.com", Audience: "api://aud", HMACSecret: "test-secret"})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	signed := signHS256(t, []byte("test-secret"), validClaims())
	user, err := auth.UserFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if user != (User{ID: "user-123", Name: "Ada", Email: "ada@example.com"}) {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestUserFromAuthHeaderRejects(t *testing.T) {
	secret := []byte("test-secret")
	auth := newHMACAuth(secret, "api://aud", "https://tenant.example.com/")

	mutate := func(f func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		f(c)
		return c
	}
	tests := []struct {
		name  string
		token string
	}{
		{name: "wrong secret", token: signHS256(t, []byte("other"), validClaims())},
		{name: "expired", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }))},
		{name: "no exp", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { delete(c, "exp") }))},
		{name: "audience", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { c["aud"] = "api://other" }))},
		{name: "issuer", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { c["iss"] = "https://evil/" }))},
		{name: "no sub", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { delete(c, "sub") }))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.UserFromAuthHeader("Bearer " + tt.token); err == nil {
				t.Fatal("expected token to be rejected")
			}
		})
	}
}

func TestNewAuthRequiresDomainOrSecret(t *testing.T) {
	if _, err := NewAuth(AuthOptions{}); err == nil {
		t.Fatal("expected error without domain or secret")
	}
}

func TestJWKSAuthWithoutKeySet(t *testing.T) {
	auth := newJWKSAuth(nil, "", "", 0)
	if auth.keyCacheTTL != defaultJWKSCacheTTL {
		t.Fatalf("expected default cache ttl, got %v", auth.keyCacheTTL)
	}
	signed := signHS256(t, []byte("secret"), validClaims())
	if _, err := auth.UserFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatal("HS256 token must be rejected by an RS256 verifier")
	}
}

func TestIssueHS256TokenRoundTrip(t *testing.T) {
	opts := AuthOptions{Domain: "tenant.example.com", Audience: "api://aud", HMACSecret: "test-secret"}
	want := User{ID: "user-9", Name: "Grace", Email: "grace@example.com"}

	signed, err := IssueHS256Token(opts, want, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth, err := NewAuth(opts)
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	got, err := auth.UserFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if got != want {
		t.Fatalf("unexpected user: %+v", got)
	}

	if _, err := IssueHS256Token(AuthOptions{}, want, time.Hour); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := IssueHS256Token(opts, User{}, time.Hour); err == nil {
		t.Fatal("expected error without subject")
	}
}
