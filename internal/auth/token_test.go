package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q, want %q", userID, "user-1")
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other-secret", jwt.MapClaims{"sub": "u", "exp": future})},
		{"expired", signToken(t, testSecret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})},
		{"missing subject", signToken(t, testSecret, jwt.MapClaims{"exp": future})},
		{"garbage", "not.a.token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Verify() = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestFromRequestPriority(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("token", "from-header")
	r.Header.Set("Authorization", "Bearer from-bearer")

	if got := FromRequest(r); got != "from-query" {
		t.Errorf("token = %q, want query parameter to win", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("token", "from-header")
	r.Header.Set("Authorization", "Bearer from-bearer")
	if got := FromRequest(r); got != "from-header" {
		t.Errorf("token = %q, want token header to win over Authorization", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	if got := FromRequest(r); got != "from-bearer" {
		t.Errorf("token = %q, want Bearer token", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if got := FromRequest(r); got != "" {
		t.Errorf("token = %q, want empty", got)
	}
}
