package jwtverify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-test-key"

func hs256Token(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// unverifiableToken builds a token with an alg the verifier has no key
// material for, exercising the claims-only path.
func unverifiableToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "ES256", "typ": "JWT"})
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("junk-signature"))
}

func testVerifier() *Verifier {
	return &Verifier{
		Secret:   testSecret,
		Issuer:   "https://auth.reelworks.dev",
		Audience: "authenticated",
	}
}

func TestUserIDHS256(t *testing.T) {
	v := testVerifier()
	token := hs256Token(t, testSecret, jwt.MapClaims{
		"sub": "user-42",
		"iss": v.Issuer,
		"aud": v.Audience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	sub, err := v.UserID(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("UserID: %v", err)
	}
	if sub != "user-42" {
		t.Fatalf("subject = %q", sub)
	}
}

func TestUserIDHS256Rejections(t *testing.T) {
	v := testVerifier()
	tests := []struct {
		name   string
		claims jwt.MapClaims
		secret string
	}{
		{"wrong secret", jwt.MapClaims{
			"sub": "user-42", "iss": v.Issuer, "aud": v.Audience,
			"exp": time.Now().Add(time.Hour).Unix(),
		}, "some-other-secret"},
		{"expired", jwt.MapClaims{
			"sub": "user-42", "iss": v.Issuer, "aud": v.Audience,
			"exp": time.Now().Add(-time.Minute).Unix(),
		}, testSecret},
		{"no expiry", jwt.MapClaims{
			"sub": "user-42", "iss": v.Issuer, "aud": v.Audience,
		}, testSecret},
		{"wrong issuer", jwt.MapClaims{
			"sub": "user-42", "iss": "https://evil.example", "aud": v.Audience,
			"exp": time.Now().Add(time.Hour).Unix(),
		}, testSecret},
		{"wrong audience", jwt.MapClaims{
			"sub": "user-42", "iss": v.Issuer, "aud": "service-role",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := hs256Token(t, tt.secret, tt.claims)
			if _, err := v.UserID(context.Background(), token); err == nil {
				t.Fatalf("token accepted")
			}
		})
	}
}

func TestUserIDClaimsOnly(t *testing.T) {
	v := testVerifier()
	token := unverifiableToken(t, jwt.MapClaims{
		"sub": "user-7",
		"iss": v.Issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	sub, err := v.UserID(context.Background(), token)
	if err != nil {
		t.Fatalf("UserID: %v", err)
	}
	if sub != "user-7" {
		t.Fatalf("subject = %q", sub)
	}
}

func TestUserIDClaimsOnlyRejections(t *testing.T) {
	v := testVerifier()
	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"expired", jwt.MapClaims{
			"sub": "user-7", "iss": v.Issuer,
			"exp": time.Now().Add(-time.Minute).Unix(),
		}},
		{"no expiry", jwt.MapClaims{"sub": "user-7", "iss": v.Issuer}},
		{"wrong issuer", jwt.MapClaims{
			"sub": "user-7", "iss": "https://evil.example",
			"exp": time.Now().Add(time.Hour).Unix(),
		}},
		{"no subject", jwt.MapClaims{
			"iss": v.Issuer, "exp": time.Now().Add(time.Hour).Unix(),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.UserID(context.Background(), unverifiableToken(t, tt.claims)); err == nil {
				t.Fatalf("token accepted")
			}
		})
	}
}

func TestUserIDMalformed(t *testing.T) {
	v := testVerifier()
	for _, token := range []string{"", "Bearer ", "not-a-jwt", "a.b", strings.Repeat(".", 2)} {
		if _, err := v.UserID(context.Background(), token); err == nil {
			t.Fatalf("UserID(%q) accepted", token)
		}
	}
}
